package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/J-Cake/certmaster/internal/alias"
	"github.com/J-Cake/certmaster/internal/caauthority"
	"github.com/J-Cake/certmaster/internal/eventbus"
	"github.com/J-Cake/certmaster/internal/store"
	"github.com/J-Cake/certmaster/internal/xlog"
)

// ErrStateGate is returned when a handler observes a Csr in a status that
// does not permit the requested transition.
var ErrStateGate = errors.New("job: state gate violation")

// Handlers wires the four event handlers against the bus, store, and
// alias index, plus the signing block, keyed by event kind.
type Handlers struct {
	Store      *store.Store
	Bus        *eventbus.Bus
	CACertPath string
	CAKeyPath  string
	JobListKey string
	Log        xlog.Logger
}

// Dispatch routes a decoded event to its handler by kind.
func (h *Handlers) Dispatch(ctx context.Context, event Event) error {
	switch e := event.(type) {
	case NewCsr:
		return h.HandleNewCsr(ctx, e)
	case PendingChallenge:
		return h.HandleChallenge(ctx, e)
	case JobProgress:
		return h.HandleJobProgress(ctx, e)
	case Completion:
		return h.HandleCompletion(ctx, e)
	default:
		return fmt.Errorf("job: no handler registered for %T", event)
	}
}

// HandleNewCsr validates and records a freshly submitted CSR, then
// kicks off its challenge.
func (h *Handlers) HandleNewCsr(ctx context.Context, ev NewCsr) error {
	if _, err := caauthority.ParseCSR(ev.PEM); err != nil {
		h.Log.Warn("discarding unparsable csr", "client_id", ev.ClientID, "err", err)
		return nil
	}

	serial, err := h.Store.Incr(ctx, "csr_id")
	if err != nil {
		return fmt.Errorf("job: new-csr: allocate serial: %w", err)
	}

	csrAlias := alias.Of(ev.ClientID, ev.PEM)

	csr := Csr{PEM: ev.PEM, ClientAlias: csrAlias, Status: JobStatus{Kind: StatusPending}}
	if err := store.Put(ctx, h.Store, csrKey(serial), csr); err != nil {
		return fmt.Errorf("job: new-csr: persist csr: %w", err)
	}

	clientJob := ClientJob{Alias: csrAlias, ClientID: ev.ClientID, Serial: serial, Status: AliasStatus{Kind: AliasPending}}
	if err := store.Put(ctx, h.Store, altKey(csrAlias), clientJob); err != nil {
		return fmt.Errorf("job: new-csr: persist alias: %w", err)
	}

	if h.JobListKey != "" {
		if err := h.Store.ZAddJobList(ctx, h.JobListKey, float64(serial), csrKey(serial)); err != nil {
			return fmt.Errorf("job: new-csr: index job list: %w", err)
		}
	}

	// The alt key must be durable before the challenge is published: a
	// waiter subscribed on alt:<alias> could otherwise observe a verdict
	// before the record it describes exists.
	if err := h.Bus.Publish(ctx, PendingChallenge{ID: serial}); err != nil {
		return fmt.Errorf("job: new-csr: publish challenge: %w", err)
	}

	return nil
}

// HandleChallenge moves a Csr into ChallengePending, refusing to do so
// if it has already moved past Pending.
func (h *Handlers) HandleChallenge(ctx context.Context, ev PendingChallenge) error {
	csr, err := store.Get[Csr](ctx, h.Store, csrKey(ev.ID))
	if err != nil {
		return fmt.Errorf("job: challenge %d: %w", ev.ID, err)
	}

	if csr.Status.Kind != StatusPending {
		return fmt.Errorf("job: challenge %d: already processed (status=%s): %w", ev.ID, csr.Status.Kind, ErrStateGate)
	}

	csr.Status = JobStatus{Kind: StatusChallengePending}
	if err := store.Put(ctx, h.Store, csrKey(ev.ID), csr); err != nil {
		return fmt.Errorf("job: challenge %d: persist: %w", ev.ID, err)
	}
	return nil
}

// HandleJobProgress applies a verdict or status transition to a Csr,
// including the signing block once a challenge has passed.
func (h *Handlers) HandleJobProgress(ctx context.Context, ev JobProgress) error {
	csr, err := store.Get[Csr](ctx, h.Store, csrKey(ev.ID))
	if err != nil {
		return fmt.Errorf("job: job-progress %d: %w", ev.ID, err)
	}

	switch ev.Status.Kind {
	case StatusPending, StatusChallengePending:
		if csr.Status.Kind != ev.Status.Kind {
			h.Log.Warn("job status moved back toward pending; this may be unrecoverable", "id", ev.ID, "status", ev.Status.Kind)
			csr.Status = ev.Status
		}

	case StatusChallengePassed:
		h.Log.Info("challenge passed", "id", ev.ID)
		certificate, signErr := h.sign(csr, ev.ID)
		if signErr != nil {
			h.Log.Error("signing failed", "id", ev.ID, "err", signErr)
			csr.Status = SigningError(signErr.Error())
		} else {
			h.Log.Info("certificate signed", "id", ev.ID)

			clientJob, lookupErr := store.Get[ClientJob](ctx, h.Store, altKey(csr.ClientAlias))
			if lookupErr != nil {
				return fmt.Errorf("job: job-progress %d: resolve alias for completion: %w", ev.ID, lookupErr)
			}

			if err := h.Bus.Publish(ctx, Completion{ClientID: clientJob.ClientID, ID: ev.ID, Certificate: certificate}); err != nil {
				return fmt.Errorf("job: job-progress %d: publish completion: %w", ev.ID, err)
			}
			csr.Status = JobStatus{Kind: StatusFinished}
		}

		// Republished unconditionally, including on SigningError: this
		// mirrors the original's unconditional dispatch of the new
		// status after the signing attempt rather than a success-only
		// notification.
		if err := h.Bus.Publish(ctx, JobProgress{ID: ev.ID, Status: csr.Status}); err != nil {
			return fmt.Errorf("job: job-progress %d: publish transition: %w", ev.ID, err)
		}

	default:
		csr.Status = ev.Status
	}

	if err := store.Put(ctx, h.Store, csrKey(ev.ID), csr); err != nil {
		return fmt.Errorf("job: job-progress %d: persist: %w", ev.ID, err)
	}
	return nil
}

// HandleCompletion records a minted certificate against the submitter's
// alias and marks the originating Csr stale.
func (h *Handlers) HandleCompletion(ctx context.Context, ev Completion) error {
	csr, err := store.Get[Csr](ctx, h.Store, csrKey(ev.ID))
	if err != nil {
		return fmt.Errorf("job: finished %d: %w", ev.ID, err)
	}

	clientJob, err := store.Get[ClientJob](ctx, h.Store, altKey(csr.ClientAlias))
	if err != nil {
		return fmt.Errorf("job: finished %d: %w", ev.ID, err)
	}

	clientJob.Status = Success(ev.Certificate)
	// The alt write must precede the Stale write: an external observer
	// that wakes on the alt notification and then inspects the Csr must
	// never see a Stale Csr without a Success alias.
	if err := store.Put(ctx, h.Store, altKey(csr.ClientAlias), clientJob); err != nil {
		return fmt.Errorf("job: finished %d: persist alias: %w", ev.ID, err)
	}

	csr.Status = JobStatus{Kind: StatusStale}
	if err := store.Put(ctx, h.Store, csrKey(ev.ID), csr); err != nil {
		return fmt.Errorf("job: finished %d: persist csr: %w", ev.ID, err)
	}
	return nil
}

func (h *Handlers) sign(csr Csr, serial uint64) (string, error) {
	issuer, err := caauthority.LoadIssuer(h.CACertPath, h.CAKeyPath)
	if err != nil {
		return "", err
	}
	return issuer.Sign(csr.PEM, serial)
}

func csrKey(serial uint64) string { return fmt.Sprintf("csr:%d", serial) }
func altKey(aliasName string) string { return fmt.Sprintf("alt:%s", aliasName) }
