// Package job holds the CA job engine's data model and its per-CSR
// state machine. Status enums are encoded the way the original Rust
// implementation's serde/RON derive encodes them: a unit variant is a
// bare string ("Pending"), a variant carrying data is a single-key
// object ({"ChallengeFailed":{"reason":"..."}}) — preserving the enum
// discriminant across the wire.
package job

import (
	"encoding/json"
	"fmt"
)

// JobStatusKind enumerates the permitted values of Csr.Status.
type JobStatusKind string

const (
	StatusPending           JobStatusKind = "Pending"
	StatusChallengePending  JobStatusKind = "ChallengePending"
	StatusChallengePassed   JobStatusKind = "ChallengePassed"
	StatusChallengeFailed   JobStatusKind = "ChallengeFailed"
	StatusFinished          JobStatusKind = "Finished"
	StatusSigningError      JobStatusKind = "SigningError"
	StatusStale             JobStatusKind = "Stale"
)

// JobStatus is the per-CSR lifecycle state. Reason is populated only for
// ChallengeFailed and SigningError.
type JobStatus struct {
	Kind   JobStatusKind
	Reason string
}

// Terminal reports whether no further transition is permitted for a Csr
// in this status.
func (s JobStatus) Terminal() bool {
	switch s.Kind {
	case StatusStale, StatusChallengeFailed, StatusSigningError:
		return true
	default:
		return false
	}
}

func ChallengeFailed(reason string) JobStatus { return JobStatus{Kind: StatusChallengeFailed, Reason: reason} }
func SigningError(reason string) JobStatus    { return JobStatus{Kind: StatusSigningError, Reason: reason} }

var unitStatuses = map[JobStatusKind]bool{
	StatusPending:          true,
	StatusChallengePending: true,
	StatusChallengePassed:  true,
	StatusFinished:         true,
	StatusStale:            true,
}

type reasonPayload struct {
	Reason string `json:"reason"`
}

func (s JobStatus) MarshalJSON() ([]byte, error) {
	if unitStatuses[s.Kind] {
		return json.Marshal(string(s.Kind))
	}
	switch s.Kind {
	case StatusChallengeFailed, StatusSigningError:
		return json.Marshal(map[string]reasonPayload{string(s.Kind): {Reason: s.Reason}})
	default:
		return nil, fmt.Errorf("job: unknown JobStatus kind %q", s.Kind)
	}
}

func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		kind := JobStatusKind(bare)
		if !unitStatuses[kind] {
			return fmt.Errorf("%w: unknown JobStatus variant %q", ErrUnknownVariant, bare)
		}
		*s = JobStatus{Kind: kind}
		return nil
	}

	var tagged map[string]reasonPayload
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("job: decode JobStatus: %w", err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("%w: JobStatus object must have exactly one key, got %d", ErrUnknownVariant, len(tagged))
	}
	for k, v := range tagged {
		switch JobStatusKind(k) {
		case StatusChallengeFailed, StatusSigningError:
			*s = JobStatus{Kind: JobStatusKind(k), Reason: v.Reason}
			return nil
		default:
			return fmt.Errorf("%w: unknown JobStatus variant %q", ErrUnknownVariant, k)
		}
	}
	return nil
}

// ErrUnknownVariant is returned by enum decoders when a payload's variant
// tag is not one this binary understands: an unrecognised variant is a
// decode error, never a silent fallthrough.
var ErrUnknownVariant = fmt.Errorf("job: unknown enum variant")

// AliasStatusKind enumerates ClientJob.Status: Pending | Success.
type AliasStatusKind string

const (
	AliasPending AliasStatusKind = "Pending"
	AliasSuccess AliasStatusKind = "Success"
)

// AliasStatus is the externally visible status of a ClientJob.
type AliasStatus struct {
	Kind        AliasStatusKind
	Certificate string
}

func Success(certificate string) AliasStatus {
	return AliasStatus{Kind: AliasSuccess, Certificate: certificate}
}

type certPayload struct {
	Certificate string `json:"certificate"`
}

func (s AliasStatus) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case AliasPending:
		return json.Marshal(string(AliasPending))
	case AliasSuccess:
		return json.Marshal(map[string]certPayload{string(AliasSuccess): {Certificate: s.Certificate}})
	default:
		return nil, fmt.Errorf("job: unknown AliasStatus kind %q", s.Kind)
	}
}

func (s *AliasStatus) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		if AliasStatusKind(bare) != AliasPending {
			return fmt.Errorf("%w: unknown AliasStatus variant %q", ErrUnknownVariant, bare)
		}
		*s = AliasStatus{Kind: AliasPending}
		return nil
	}

	var tagged map[string]certPayload
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("job: decode AliasStatus: %w", err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("%w: AliasStatus object must have exactly one key, got %d", ErrUnknownVariant, len(tagged))
	}
	for k, v := range tagged {
		if AliasStatusKind(k) != AliasSuccess {
			return fmt.Errorf("%w: unknown AliasStatus variant %q", ErrUnknownVariant, k)
		}
		*s = AliasStatus{Kind: AliasSuccess, Certificate: v.Certificate}
	}
	return nil
}
