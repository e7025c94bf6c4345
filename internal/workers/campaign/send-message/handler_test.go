// internal/workers/campaign/send-message/handler_test.go
package sendmessage

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-dispatch/internal/common/errors"
	"campaign-dispatch/internal/common/logger"
	"campaign-dispatch/internal/common/queue"
	"campaign-dispatch/internal/health"
	"campaign-dispatch/internal/models"
	"campaign-dispatch/internal/transport"
)

type fakeCampaigns struct {
	campaign *models.Campaign
	sent     int
	failed   int
}

func (f *fakeCampaigns) Get(ctx context.Context, campaignID string) (*models.Campaign, error) {
	return f.campaign, nil
}

func (f *fakeCampaigns) AddRollup(ctx context.Context, campaignID, variantName string, sent, failed int) error {
	f.sent += sent
	f.failed += failed
	return nil
}

type fakeRecipients struct {
	claimable bool
	sent      []string
	failed    []string
	released  []string
}

func (f *fakeRecipients) Claim(ctx context.Context, campaignID, variantName string, addresses []string) ([]string, error) {
	if !f.claimable {
		return nil, nil
	}
	f.claimable = false
	return addresses, nil
}

func (f *fakeRecipients) MarkSent(ctx context.Context, campaignID, variantName string, addresses, messageIDs []string) error {
	f.sent = append(f.sent, addresses...)
	return nil
}

func (f *fakeRecipients) MarkFailed(ctx context.Context, campaignID, variantName string, addresses, reasons []string) error {
	f.failed = append(f.failed, addresses...)
	return nil
}

func (f *fakeRecipients) ReleaseProcessing(ctx context.Context, campaignID, variantName string, addresses []string) error {
	f.released = append(f.released, addresses...)
	return nil
}

type fakeMonitor struct {
	healthy     bool
	invalidated int
}

func (f *fakeMonitor) GetHealthySession(ctx context.Context, userID string, maxAttempts int) health.Probe {
	return health.Probe{Healthy: f.healthy}
}

func (f *fakeMonitor) Invalidate(ctx context.Context, userID string) {
	f.invalidated++
}

type fakeTracker struct {
	deltas []int
}

func (f *fakeTracker) RecordProgress(ctx context.Context, campaignID string, delta int) error {
	f.deltas = append(f.deltas, delta)
	return nil
}

type fakeSender struct {
	err   error
	sends int
}

func (f *fakeSender) SendToAddress(ctx context.Context, userID, address string, content models.MessageContent, vars map[string]string) (*transport.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sends++
	return &transport.Receipt{MessageID: "mid-1", SentAt: time.Now()}, nil
}

type fixture struct {
	handler    *Handler
	campaigns  *fakeCampaigns
	recipients *fakeRecipients
	monitor    *fakeMonitor
	tracker    *fakeTracker
	sender     *fakeSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		campaigns: &fakeCampaigns{campaign: &models.Campaign{
			ID:     "camp-1",
			UserID: "user-1",
			Status: models.CampaignStatusRunning,
			Variants: []models.Variant{
				{Name: "A", Content: models.MessageContent{Body: "Hi {{name}}", MessageType: "text"}},
			},
		}},
		recipients: &fakeRecipients{claimable: true},
		monitor:    &fakeMonitor{healthy: true},
		tracker:    &fakeTracker{},
		sender:     &fakeSender{},
	}
	f.handler = NewHandler(
		&Config{RequeueDelay: 30 * time.Second, Timeout: time.Minute},
		f.campaigns, f.recipients, f.monitor, f.tracker, f.sender,
		logger.NewNoOpLogger(),
	)
	return f
}

func messageJob(t *testing.T) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(models.SendMessagePayload{
		CampaignID:  "camp-1",
		VariantName: "A",
		Address:     "+111",
		UserID:      "user-1",
		Variables:   map[string]string{"name": "Asha"},
	})
	require.NoError(t, err)
	return &queue.Job{ID: "msg-1", Type: models.JobTypeSendMessage, Payload: payload}
}

func TestSingleMessageSent(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.handler.Handle(context.Background(), messageJob(t)))

	assert.Equal(t, 1, f.sender.sends)
	assert.Equal(t, []string{"+111"}, f.recipients.sent)
	assert.Equal(t, []int{1}, f.tracker.deltas)
	assert.Equal(t, 1, f.campaigns.sent)
}

func TestAlreadyClaimedIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.recipients.claimable = false

	require.NoError(t, f.handler.Handle(context.Background(), messageJob(t)))

	assert.Equal(t, 0, f.sender.sends)
	assert.Empty(t, f.tracker.deltas)
}

func TestSessionFaultReleasesClaim(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.NewTransportError(fmt.Errorf("websocket closed"))

	err := f.handler.Handle(context.Background(), messageJob(t))

	require.Error(t, err)
	assert.Equal(t, errors.ClassTransport, errors.Classify(err))
	assert.Equal(t, []string{"+111"}, f.recipients.released)
	assert.Equal(t, 1, f.monitor.invalidated)
	assert.Empty(t, f.tracker.deltas)
}

func TestRejectedRecipientCountsAsProcessed(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.NewPerRecipientError("+111", fmt.Errorf("invalid address"))

	require.NoError(t, f.handler.Handle(context.Background(), messageJob(t)))

	assert.Equal(t, []string{"+111"}, f.recipients.failed)
	assert.Equal(t, []int{1}, f.tracker.deltas)
	assert.Equal(t, 1, f.campaigns.failed)
}

func TestUnhealthySessionRequeues(t *testing.T) {
	f := newFixture(t)
	f.monitor.healthy = false

	err := f.handler.Handle(context.Background(), messageJob(t))

	require.Error(t, err)
	assert.Equal(t, errors.ClassTransport, errors.Classify(err))
	assert.Equal(t, 0, f.sender.sends)
}
