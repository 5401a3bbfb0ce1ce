package job

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/J-Cake/certmaster/internal/alias"
	"github.com/J-Cake/certmaster/internal/eventbus"
	"github.com/J-Cake/certmaster/internal/store"
	"github.com/J-Cake/certmaster/internal/xlog"
)

func newTestHandlers(t *testing.T) (*Handlers, *store.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := store.New(client)
	bus := eventbus.New(client, "event-queue")

	certPath, keyPath := writeTestCA(t)

	return &Handlers{
		Store:      s,
		Bus:        bus,
		CACertPath: certPath,
		CAKeyPath:  keyPath,
		JobListKey: "job-list",
		Log:        xlog.Root(),
	}, s
}

func writeTestCA(t *testing.T) (certPath, keyPath string) {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test CA"},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(caKey)
	require.NoError(t, err)

	dir := t.TempDir()
	certPath = filepath.Join(dir, "ca.pem")
	keyPath = filepath.Join(dir, "ca.key")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certPath, keyPath
}

func makeCSRPEM(t *testing.T, cn string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.CertificateRequest{Subject: pkix.Name{CommonName: cn}}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
}

// makeRSACSRPEM builds a CSR whose own key algorithm is unrelated to the
// CA's — CreateCertificate still succeeds for this combination in Go's
// stdlib, so the signing-error scenario below is driven by an
// unparsable CSR body instead (the stdlib has no notion of an
// "incompatible" key pairing the way the original's rcgen does).
func makeRSACSRPEM(t *testing.T, cn string) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.CertificateRequest{Subject: pkix.Name{CommonName: cn}}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
}

func TestHappyPath(t *testing.T) {
	h, s := newTestHandlers(t)
	ctx := context.Background()

	pem := makeCSRPEM(t, "client.example.com")
	require.NoError(t, h.HandleNewCsr(ctx, NewCsr{ClientID: 1, PEM: pem}))

	want := alias.Of(1, pem)

	clientJob, err := store.Get[ClientJob](ctx, s, altKey(want))
	require.NoError(t, err)
	assert.Equal(t, AliasPending, clientJob.Status.Kind)
	assert.Equal(t, uint64(1), clientJob.Serial)

	require.NoError(t, h.HandleJobProgress(ctx, JobProgress{ID: 1, Status: JobStatus{Kind: StatusChallengePassed}}))

	csr, err := store.Get[Csr](ctx, s, csrKey(1))
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, csr.Status.Kind)

	handlePublishedCompletion(t, h)

	clientJob, err = store.Get[ClientJob](ctx, s, altKey(want))
	require.NoError(t, err)
	assert.Equal(t, AliasSuccess, clientJob.Status.Kind)
	assert.NotEmpty(t, clientJob.Status.Certificate)

	csr, err = store.Get[Csr](ctx, s, csrKey(1))
	require.NoError(t, err)
	assert.Equal(t, StatusStale, csr.Status.Kind)
}

// handlePublishedCompletion reads back the events h has published so far
// and passes the first Completion among them to HandleCompletion, the way
// a worker would: HandleJobProgress only publishes the Completion, it
// does not update the alias itself.
func handlePublishedCompletion(t *testing.T, h *Handlers) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, h.Bus.EnsureGroup(ctx, "test-reader", "0"))
	msgs, err := h.Bus.Consume(ctx, "test-reader", "reader-1")
	require.NoError(t, err)

	for _, m := range msgs {
		event, err := eventbus.Decode(m)
		require.NoError(t, err)
		if completion, ok := event.(Completion); ok {
			require.NoError(t, h.HandleCompletion(ctx, completion))
			return
		}
	}
	t.Fatal("no Completion event was published")
}

func TestChallengeFailedLeavesAliasPending(t *testing.T) {
	h, s := newTestHandlers(t)
	ctx := context.Background()

	pem := makeCSRPEM(t, "client.example.com")
	require.NoError(t, h.HandleNewCsr(ctx, NewCsr{ClientID: 1, PEM: pem}))

	require.NoError(t, h.HandleJobProgress(ctx, JobProgress{ID: 1, Status: ChallengeFailed("nope")}))

	csr, err := store.Get[Csr](ctx, s, csrKey(1))
	require.NoError(t, err)
	assert.Equal(t, StatusChallengeFailed, csr.Status.Kind)
	assert.Equal(t, "nope", csr.Status.Reason)

	want := alias.Of(1, pem)
	clientJob, err := store.Get[ClientJob](ctx, s, altKey(want))
	require.NoError(t, err)
	assert.Equal(t, AliasPending, clientJob.Status.Kind)
}

func TestSigningErrorOnUnsignableCSR(t *testing.T) {
	h, s := newTestHandlers(t)
	ctx := context.Background()

	// Persist a Csr by hand whose PEM will fail to parse at sign time,
	// bypassing HandleNewCsr's own upfront parse check so the signing
	// block's own error path is what gets exercised.
	require.NoError(t, store.Put(ctx, s, csrKey(1), Csr{
		PEM:         "-----BEGIN CERTIFICATE REQUEST-----\nbm90IGEgcmVhbCBjc3I=\n-----END CERTIFICATE REQUEST-----\n",
		ClientAlias: "test-alias",
		Status:      JobStatus{Kind: StatusPending},
	}))
	require.NoError(t, store.Put(ctx, s, altKey("test-alias"), ClientJob{
		Alias: "test-alias", ClientID: 1, Serial: 1, Status: AliasStatus{Kind: AliasPending},
	}))

	require.NoError(t, h.HandleJobProgress(ctx, JobProgress{ID: 1, Status: JobStatus{Kind: StatusChallengePassed}}))

	csr, err := store.Get[Csr](ctx, s, csrKey(1))
	require.NoError(t, err)
	assert.Equal(t, StatusSigningError, csr.Status.Kind)
	assert.NotEmpty(t, csr.Status.Reason)
}

func TestDoubleSubmitSameContentSharesAlias(t *testing.T) {
	h, s := newTestHandlers(t)
	ctx := context.Background()

	pem := makeCSRPEM(t, "dup.example.com")
	require.NoError(t, h.HandleNewCsr(ctx, NewCsr{ClientID: 1, PEM: pem}))
	require.NoError(t, h.HandleNewCsr(ctx, NewCsr{ClientID: 1, PEM: pem}))

	want := alias.Of(1, pem)
	clientJob, err := store.Get[ClientJob](ctx, s, altKey(want))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), clientJob.Serial) // overwritten by the second serial

	require.NoError(t, h.HandleJobProgress(ctx, JobProgress{ID: 2, Status: JobStatus{Kind: StatusChallengePassed}}))
	handlePublishedCompletion(t, h)

	clientJob, err = store.Get[ClientJob](ctx, s, altKey(want))
	require.NoError(t, err)
	assert.Equal(t, AliasSuccess, clientJob.Status.Kind)
}

func TestChallengeGateRejectsNonPending(t *testing.T) {
	h, s := newTestHandlers(t)
	ctx := context.Background()

	pem := makeCSRPEM(t, "client.example.com")
	require.NoError(t, h.HandleNewCsr(ctx, NewCsr{ClientID: 1, PEM: pem}))
	require.NoError(t, h.HandleJobProgress(ctx, JobProgress{ID: 1, Status: JobStatus{Kind: StatusChallengePassed}}))

	err := h.HandleChallenge(ctx, PendingChallenge{ID: 1})
	assert.ErrorIs(t, err, ErrStateGate)

	csr, getErr := store.Get[Csr](ctx, s, csrKey(1))
	require.NoError(t, getErr)
	assert.Equal(t, StatusFinished, csr.Status.Kind) // unchanged by the rejected gate
}

func TestChallengeGateAcceptsPending(t *testing.T) {
	h, _ := newTestHandlers(t)
	ctx := context.Background()

	pem := makeCSRPEM(t, "client.example.com")
	require.NoError(t, h.HandleNewCsr(ctx, NewCsr{ClientID: 1, PEM: pem}))

	assert.NoError(t, h.HandleChallenge(ctx, PendingChallenge{ID: 1}))
}

func TestDispatchUnknownEventErrors(t *testing.T) {
	h, _ := newTestHandlers(t)
	err := h.Dispatch(context.Background(), nil)
	assert.Error(t, err)
}

func TestMakeRSACSRHelperIsUsable(t *testing.T) {
	// Sanity check that the RSA helper produces a PEM-encoded certificate
	// request; exercised directly since no handler test currently needs
	// an RSA-keyed CSR on its own.
	pem := makeRSACSRPEM(t, "rsa.example.com")
	assert.Contains(t, pem, "CERTIFICATE REQUEST")
}
