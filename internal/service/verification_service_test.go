package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"channelverify/internal/delivery"
	"channelverify/internal/entity"
	"channelverify/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type serviceFixture struct {
	svc      *VerificationService
	store    *repository.MemoryVerificationTokenRepository
	logs     *repository.MemorySecurityLogRepository
	sms      *delivery.MemoryBackend
	email    *delivery.MemoryBackend
	clock    *fakeClock
	registry *delivery.Registry
}

func newServiceFixture(t *testing.T, mutate func(*VerificationConfig)) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:    repository.NewMemoryVerificationTokenRepository(),
		logs:     repository.NewMemorySecurityLogRepository(0),
		sms:      delivery.NewMemoryBackend(),
		email:    delivery.NewMemoryBackend(),
		clock:    newFakeClock(),
		registry: delivery.NewRegistry(),
	}
	f.registry.Register(entity.ChannelPhone, "memory", func(delivery.Args) (delivery.Backend, error) {
		return f.sms, nil
	})
	f.registry.Register(entity.ChannelEmail, "memory", func(delivery.Args) (delivery.Backend, error) {
		return f.email, nil
	})

	cfg := VerificationConfig{
		SMSBackend:      "memory",
		EmailBackend:    "memory",
		AppBaseURL:      "https://app.example.com/",
		EmailVerifyPath: "/verify-email",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	svc, err := NewVerificationService(
		f.store,
		f.logs,
		f.registry,
		SecureTokenGenerator{},
		BcryptTokenHasher{Cost: bcrypt.MinCost},
		f.clock,
		logger,
		nil,
		cfg,
	)
	if err != nil {
		t.Fatalf("new verification service: %v", err)
	}
	f.svc = svc
	return f
}

// sentCode recovers the plaintext from the last captured message.
func sentCode(t *testing.T, backend *delivery.MemoryBackend) string {
	t.Helper()
	sent, ok := backend.Last()
	if !ok {
		t.Fatal("no message delivered")
	}
	text := sent.Message.Text
	if i := strings.Index(text, "?token="); i >= 0 {
		return strings.TrimSpace(text[i+len("?token="):])
	}
	return strings.TrimSuffix(strings.TrimPrefix(text, "Your mobile verification code is "), ".")
}

func wrongCode(code string) string {
	if strings.HasPrefix(code, "0") {
		return "1" + code[1:]
	}
	return "0" + code[1:]
}

func (f *serviceFixture) liveToken(t *testing.T, owner uuid.UUID, channel entity.ChannelKind) entity.VerificationToken {
	t.Helper()
	candidates, err := f.store.FindCandidates(context.Background(), repository.CandidateQuery{OwnerID: owner, Channel: channel})
	if err != nil {
		t.Fatalf("find candidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected one live token, got %d", len(candidates))
	}
	return candidates[0]
}

func TestPhoneIssueVerifyEndToEnd(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()
	owner := uuid.New()

	token, err := f.svc.Issue(ctx, owner, entity.ChannelPhone, "+7 701 000-00-01")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if token.FailedAttempts != 0 || token.Recipient != "+77010000001" {
		t.Fatalf("unexpected token %+v", token)
	}

	messages := f.sms.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 sms, got %d", len(messages))
	}
	if messages[0].Recipient != "+77010000001" {
		t.Fatalf("unexpected recipient %q", messages[0].Recipient)
	}
	code := sentCode(t, f.sms)
	if len(code) != 6 {
		t.Fatalf("expected 6 digit code, got %q", code)
	}
	if strings.Contains(token.TokenHash, code) {
		t.Fatal("token hash contains the plaintext")
	}
	if len(f.email.Messages()) != 0 {
		t.Fatal("phone token must not use the email backend")
	}

	outcome, err := f.svc.Verify(ctx, owner, entity.ChannelPhone, "", code)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s", outcome)
	}

	outcome, err = f.svc.Verify(ctx, owner, entity.ChannelPhone, "", code)
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if outcome != OutcomeInvalid {
		t.Fatalf("consumed token must not verify again, got %s", outcome)
	}
}

func TestEmailExhaustedAfterMaxFailures(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()
	owner := uuid.New()

	if _, err := f.svc.Issue(ctx, owner, entity.ChannelEmail, " User@Example.COM "); err != nil {
		t.Fatalf("issue: %v", err)
	}
	sent, _ := f.email.Last()
	if sent.Recipient != "user@example.com" {
		t.Fatalf("expected normalized recipient, got %q", sent.Recipient)
	}
	if sent.Message.Subject != "Verify Email Address" {
		t.Fatalf("unexpected subject %q", sent.Message.Subject)
	}
	if !strings.Contains(sent.Message.HTML, "https://app.example.com/verify-email?token=") {
		t.Fatalf("html body lacks verification link: %s", sent.Message.HTML)
	}
	code := sentCode(t, f.email)
	if len(code) != 32 {
		t.Fatalf("expected 32 character token, got %q", code)
	}

	for i := 0; i < 5; i++ {
		outcome, err := f.svc.Verify(ctx, owner, entity.ChannelEmail, "", wrongCode(code))
		if err != nil {
			t.Fatalf("verify %d: %v", i, err)
		}
		if outcome != OutcomeInvalid {
			t.Fatalf("attempt %d: expected invalid, got %s", i, outcome)
		}
	}

	outcome, err := f.svc.Verify(ctx, owner, entity.ChannelEmail, "", code)
	if err != nil {
		t.Fatalf("verify correct: %v", err)
	}
	if outcome != OutcomeExhausted {
		t.Fatalf("expected exhausted, got %s", outcome)
	}
	if got := f.liveToken(t, owner, entity.ChannelEmail).FailedAttempts; got != 5 {
		t.Fatalf("exhausted token must not count further attempts, got %d", got)
	}
}

func TestSecondIssueSupersedesFirst(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()
	owner := uuid.New()

	first, err := f.svc.Issue(ctx, owner, entity.ChannelEmail, "a@example.com")
	if err != nil {
		t.Fatalf("first issue: %v", err)
	}
	firstCode := sentCode(t, f.email)

	second, err := f.svc.Issue(ctx, owner, entity.ChannelEmail, "a@example.com")
	if err != nil {
		t.Fatalf("second issue: %v", err)
	}
	secondCode := sentCode(t, f.email)
	if first.ID == second.ID {
		t.Fatal("expected a new token id")
	}
	if live := f.liveToken(t, owner, entity.ChannelEmail); live.ID != second.ID {
		t.Fatalf("expected only the second token to be live, got %s", live.ID)
	}

	outcome, err := f.svc.Verify(ctx, owner, entity.ChannelEmail, "", firstCode)
	if err != nil {
		t.Fatalf("verify first: %v", err)
	}
	if outcome != OutcomeInvalid {
		t.Fatalf("superseded code must be invalid, got %s", outcome)
	}
	outcome, err = f.svc.Verify(ctx, owner, entity.ChannelEmail, "", secondCode)
	if err != nil {
		t.Fatalf("verify second: %v", err)
	}
	if outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s", outcome)
	}
}

func TestExpiryWindowBoundary(t *testing.T) {
	ctx := context.Background()

	t.Run("current just before the window closes", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		owner := uuid.New()
		if _, err := f.svc.Issue(ctx, owner, entity.ChannelPhone, "+77010000002"); err != nil {
			t.Fatalf("issue: %v", err)
		}
		f.clock.Advance(ExpiryWindow - time.Nanosecond)
		outcome, err := f.svc.Verify(ctx, owner, entity.ChannelPhone, "", sentCode(t, f.sms))
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if outcome != OutcomeSuccess {
			t.Fatalf("expected success, got %s", outcome)
		}
	})

	t.Run("expired at exactly one hour", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		owner := uuid.New()
		if _, err := f.svc.Issue(ctx, owner, entity.ChannelPhone, "+77010000003"); err != nil {
			t.Fatalf("issue: %v", err)
		}
		f.clock.Advance(ExpiryWindow)
		outcome, err := f.svc.Verify(ctx, owner, entity.ChannelPhone, "", sentCode(t, f.sms))
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if outcome != OutcomeExpired {
			t.Fatalf("expected expired, got %s", outcome)
		}
		if got := f.liveToken(t, owner, entity.ChannelPhone).FailedAttempts; got != 0 {
			t.Fatalf("expired token must not count attempts, got %d", got)
		}
	})
}

func TestConcurrentFailuresAreAllCounted(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()
	owner := uuid.New()

	if _, err := f.svc.Issue(ctx, owner, entity.ChannelPhone, "+77010000004"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	code := sentCode(t, f.sms)
	initial := f.liveToken(t, owner, entity.ChannelPhone).FailedAttempts

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := f.svc.Verify(ctx, owner, entity.ChannelPhone, "", wrongCode(code))
			if err != nil {
				errs <- err
				return
			}
			if outcome != OutcomeInvalid {
				errs <- errors.New("expected invalid outcome, got " + outcome.String())
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	if got := f.liveToken(t, owner, entity.ChannelPhone).FailedAttempts; got != initial+2 {
		t.Fatalf("expected %d failed attempts, got %d", initial+2, got)
	}
}

func TestConcurrentCorrectSubmissionsSucceedOnce(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()
	owner := uuid.New()

	if _, err := f.svc.Issue(ctx, owner, entity.ChannelPhone, "+77010000005"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	code := sentCode(t, f.sms)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := f.svc.Verify(ctx, owner, entity.ChannelPhone, "", code)
			if err != nil {
				t.Errorf("verify: %v", err)
				return
			}
			if outcome == OutcomeSuccess {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if successes != 1 {
		t.Fatalf("expected exactly one success, got %d", successes)
	}
}

func TestDeliveryFailureKeepsTokenAndRetries(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()
	owner := uuid.New()

	f.sms.FailWith(errors.New("gateway unavailable"))
	token, err := f.svc.Issue(ctx, owner, entity.ChannelPhone, "+77010000006")
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("expected delivery error, got %v", err)
	}
	if token == nil {
		t.Fatal("expected the persisted token alongside the delivery error")
	}
	var deliveryErr *DeliveryError
	if !errors.As(err, &deliveryErr) {
		t.Fatalf("expected *DeliveryError, got %T", err)
	}
	if deliveryErr.TokenID != token.ID {
		t.Fatalf("delivery error refers to %s, want %s", deliveryErr.TokenID, token.ID)
	}
	if live := f.liveToken(t, owner, entity.ChannelPhone); live.ID != token.ID {
		t.Fatal("token must stay pending after a failed delivery")
	}

	if err := deliveryErr.Retry(ctx); !errors.Is(err, ErrDelivery) {
		t.Fatalf("retry against a failing backend: %v", err)
	}

	f.sms.FailWith(nil)
	if err := deliveryErr.Retry(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if err := deliveryErr.Retry(ctx); !errors.Is(err, ErrRetryUnavailable) {
		t.Fatalf("expected retry to be spent, got %v", err)
	}

	outcome, err := f.svc.Verify(ctx, owner, entity.ChannelPhone, "", sentCode(t, f.sms))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s", outcome)
	}
}

func TestRetryRefusedForSupersededToken(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()
	owner := uuid.New()

	f.sms.FailWith(errors.New("gateway unavailable"))
	_, err := f.svc.Issue(ctx, owner, entity.ChannelPhone, "+77010000007")
	var deliveryErr *DeliveryError
	if !errors.As(err, &deliveryErr) {
		t.Fatalf("expected *DeliveryError, got %v", err)
	}

	f.sms.FailWith(nil)
	if _, err := f.svc.Issue(ctx, owner, entity.ChannelPhone, "+77010000007"); err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if err := deliveryErr.Retry(ctx); !errors.Is(err, ErrRetryUnavailable) {
		t.Fatalf("expected retry of a superseded token to be refused, got %v", err)
	}
	if got := len(f.sms.Messages()); got != 1 {
		t.Fatalf("expected only the reissued message, got %d", got)
	}
}

func TestEmailRecipientPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("supersede", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		first, second := uuid.New(), uuid.New()
		if _, err := f.svc.Issue(ctx, first, entity.ChannelEmail, "shared@example.com"); err != nil {
			t.Fatalf("issue first: %v", err)
		}
		firstCode := sentCode(t, f.email)
		if _, err := f.svc.Issue(ctx, second, entity.ChannelEmail, "shared@example.com"); err != nil {
			t.Fatalf("issue second: %v", err)
		}
		outcome, err := f.svc.Verify(ctx, first, entity.ChannelEmail, "", firstCode)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if outcome != OutcomeInvalid {
			t.Fatalf("address taken over by another owner, expected invalid, got %s", outcome)
		}
	})

	t.Run("reject", func(t *testing.T) {
		f := newServiceFixture(t, func(cfg *VerificationConfig) {
			cfg.EmailPolicy = repository.EmailPolicyReject
		})
		first, second := uuid.New(), uuid.New()
		if _, err := f.svc.Issue(ctx, first, entity.ChannelEmail, "shared@example.com"); err != nil {
			t.Fatalf("issue first: %v", err)
		}
		if _, err := f.svc.Issue(ctx, second, entity.ChannelEmail, "Shared@Example.com"); !errors.Is(err, ErrRecipientPending) {
			t.Fatalf("expected ErrRecipientPending, got %v", err)
		}
		if _, err := f.svc.Issue(ctx, first, entity.ChannelEmail, "shared@example.com"); err != nil {
			t.Fatalf("same owner must supersede: %v", err)
		}

		f.clock.Advance(ExpiryWindow)
		if _, err := f.svc.Issue(ctx, second, entity.ChannelEmail, "shared@example.com"); err != nil {
			t.Fatalf("expired claim must not block another owner: %v", err)
		}
	})
}

func TestVerifyScopedToOwnerAndRecipient(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()
	owner := uuid.New()

	if _, err := f.svc.Issue(ctx, owner, entity.ChannelPhone, "+77010000008"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	code := sentCode(t, f.sms)

	outcome, err := f.svc.Verify(ctx, uuid.New(), entity.ChannelPhone, "", code)
	if err != nil {
		t.Fatalf("verify other owner: %v", err)
	}
	if outcome != OutcomeInvalid {
		t.Fatalf("another owner must not verify, got %s", outcome)
	}

	outcome, err = f.svc.Verify(ctx, owner, entity.ChannelPhone, "+77010000009", code)
	if err != nil {
		t.Fatalf("verify other recipient: %v", err)
	}
	if outcome != OutcomeInvalid {
		t.Fatalf("code for another number must not verify, got %s", outcome)
	}

	outcome, err = f.svc.Verify(ctx, owner, entity.ChannelEmail, "", code)
	if err != nil {
		t.Fatalf("verify other channel: %v", err)
	}
	if outcome != OutcomeInvalid {
		t.Fatalf("code must not verify on another channel, got %s", outcome)
	}

	outcome, err = f.svc.Verify(ctx, owner, entity.ChannelPhone, "+77010000008", code)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s", outcome)
	}
}

func TestVerifyEmptyCodeDoesNotCountAttempt(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()
	owner := uuid.New()

	if _, err := f.svc.Issue(ctx, owner, entity.ChannelPhone, "+77010000010"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	outcome, err := f.svc.Verify(ctx, owner, entity.ChannelPhone, "", "  ")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if outcome != OutcomeInvalid {
		t.Fatalf("expected invalid, got %s", outcome)
	}
	if got := f.liveToken(t, owner, entity.ChannelPhone).FailedAttempts; got != 0 {
		t.Fatalf("expected no attempt counted, got %d", got)
	}
}

func TestIssueRejectsInvalidInput(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	cases := []struct {
		name      string
		owner     uuid.UUID
		channel   entity.ChannelKind
		recipient string
	}{
		{"nil owner", uuid.Nil, entity.ChannelPhone, "+77010000011"},
		{"empty recipient", uuid.New(), entity.ChannelEmail, "   "},
		{"unknown channel", uuid.New(), entity.ChannelKind("fax"), "+77010000011"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.Issue(ctx, tc.owner, tc.channel, tc.recipient); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
	if _, err := f.svc.Verify(ctx, uuid.Nil, entity.ChannelPhone, "", "123456"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("verify with nil owner: %v", err)
	}
	if len(f.sms.Messages())+len(f.email.Messages()) != 0 {
		t.Fatal("nothing should be delivered for invalid input")
	}
}

func TestGeneratorFailureIsNotWeakened(t *testing.T) {
	f := newServiceFixture(t, nil)
	f.svc.generator = SecureTokenGenerator{Reader: failingReader{}}

	_, err := f.svc.Issue(context.Background(), uuid.New(), entity.ChannelPhone, "+77010000012")
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("expected ErrGeneration, got %v", err)
	}
	if len(f.sms.Messages()) != 0 {
		t.Fatal("nothing should be delivered when generation fails")
	}
}

func TestNewVerificationServiceRejectsMismatchedBackend(t *testing.T) {
	registry := delivery.DefaultRegistry(logrus.New())
	_, err := NewVerificationService(
		repository.NewMemoryVerificationTokenRepository(),
		nil,
		registry,
		nil,
		BcryptTokenHasher{Cost: bcrypt.MinCost},
		nil,
		nil,
		nil,
		VerificationConfig{SMSBackend: "smtp", EmailBackend: "memory"},
	)
	if !errors.Is(err, ErrBackendResolution) {
		t.Fatalf("expected ErrBackendResolution, got %v", err)
	}
}

func TestStatusReportsLatestToken(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()
	owner := uuid.New()

	if _, err := f.svc.Status(ctx, owner, entity.ChannelPhone); !errors.Is(err, ErrNoPendingVerification) {
		t.Fatalf("expected ErrNoPendingVerification, got %v", err)
	}

	token, err := f.svc.Issue(ctx, owner, entity.ChannelPhone, "+77010000013")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	code := sentCode(t, f.sms)
	for i := 0; i < 2; i++ {
		if _, err := f.svc.Verify(ctx, owner, entity.ChannelPhone, "", wrongCode(code)); err != nil {
			t.Fatalf("verify: %v", err)
		}
	}

	status, err := f.svc.Status(ctx, owner, entity.ChannelPhone)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.TokenID != token.ID || status.State != entity.TokenActive || status.AttemptsLeft != 3 {
		t.Fatalf("unexpected status %+v", status)
	}
	if !status.ExpiresAt.Equal(token.CreatedAt.Add(ExpiryWindow)) {
		t.Fatalf("unexpected expiry %s", status.ExpiresAt)
	}

	f.clock.Advance(2 * ExpiryWindow)
	status, err = f.svc.Status(ctx, owner, entity.ChannelPhone)
	if err != nil {
		t.Fatalf("status after expiry: %v", err)
	}
	if status.State != entity.TokenExpired {
		t.Fatalf("expected expired state, got %s", status.State)
	}
}

func TestSecurityLogTrail(t *testing.T) {
	f := newServiceFixture(t, func(cfg *VerificationConfig) { cfg.MaxAttempts = 1 })
	ctx := context.Background()
	owner := uuid.New()

	if _, err := f.svc.Issue(ctx, owner, entity.ChannelPhone, "+77010000014"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	code := sentCode(t, f.sms)
	if _, err := f.svc.Verify(ctx, owner, entity.ChannelPhone, "", wrongCode(code)); err != nil {
		t.Fatalf("verify: %v", err)
	}

	var actions []entity.SecurityAction
	for _, entry := range f.logs.Entries() {
		actions = append(actions, entry.Action)
		if strings.Contains(string(entry.Metadata), code) || strings.Contains(string(entry.Metadata), "+77010000014") {
			t.Fatalf("security log leaks secrets: %s", entry.Metadata)
		}
	}
	want := []entity.SecurityAction{entity.VerificationIssued, entity.VerificationFailed, entity.VerificationExhausted}
	if len(actions) != len(want) {
		t.Fatalf("expected actions %v, got %v", want, actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("expected actions %v, got %v", want, actions)
		}
	}
}

func TestPurgeStaleAndDeleteOwner(t *testing.T) {
	f := newServiceFixture(t, func(cfg *VerificationConfig) { cfg.Retention = 2 * time.Hour })
	ctx := context.Background()
	owner, other := uuid.New(), uuid.New()

	if _, err := f.svc.Issue(ctx, owner, entity.ChannelPhone, "+77010000015"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	f.clock.Advance(3 * time.Hour)
	if _, err := f.svc.Issue(ctx, other, entity.ChannelPhone, "+77010000016"); err != nil {
		t.Fatalf("issue other: %v", err)
	}

	removed, err := f.svc.PurgeStale(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 purged token, got %d", removed)
	}

	if err := f.svc.DeleteOwner(ctx, other); err != nil {
		t.Fatalf("delete owner: %v", err)
	}
	if _, err := f.svc.Status(ctx, other, entity.ChannelPhone); !errors.Is(err, ErrNoPendingVerification) {
		t.Fatalf("expected no tokens after owner deletion, got %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy source unavailable")
}
