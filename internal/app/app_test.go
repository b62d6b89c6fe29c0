package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/notify-engine/internal/model"
	"github.com/nhle/notify-engine/internal/store"
	"github.com/nhle/notify-engine/tests/testutil"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.Store.DSN = ":memory:"
	cfg.Vault.MasterKey = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))

	logger, _ := test.NewNullLogger()
	a, err := New(cfg, logrus.NewEntry(logger))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	return a
}

func TestPlanEventMaterializesOnce(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	ev := testutil.Event("evt-1", time.Now().Add(25*time.Hour))
	require.NoError(t, a.store.UpsertEvent(ctx, ev))

	plan, res, err := a.PlanEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanSourceOracle, plan.Source)
	// No stored preference means a single email at the earliest offset.
	require.Len(t, plan.Entries, 1)
	assert.Equal(t, model.ChannelEmail, plan.Entries[0].Channel)
	assert.Equal(t, 24*time.Hour, plan.Entries[0].Offset)
	assert.Len(t, res.Created, 1)

	_, res, err = a.PlanEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, 1, res.Skipped)

	n, err := a.CancelEvent(ctx, ev.ID, "deleted upstream")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPlanEventUnknown(t *testing.T) {
	a := newTestApp(t)
	_, _, err := a.PlanEvent(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetCredential(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, a.SetCredential(ctx, "call.auth_token", "s3cret"))

	sealed, err := a.store.GetCredential(ctx, "call.auth_token")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "s3cret")

	got, err := a.credential("call.auth_token")(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)
}

func TestAdaptersFollowConfig(t *testing.T) {
	a := newTestApp(t)
	assert.Empty(t, a.adapters())

	a.cfg.Email.Host = "smtp.example.com"
	a.cfg.Call.AccountSID = "AC123"
	r := a.adapters()
	assert.Contains(t, r, model.ChannelEmail)
	assert.Contains(t, r, model.ChannelCall)
}

func TestNewLogger(t *testing.T) {
	log := NewLogger(model.LogConfig{Level: "debug", Format: "text"})
	assert.Equal(t, logrus.DebugLevel, log.Logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, log.Logger.Formatter)
	assert.Equal(t, "notifyd", log.Data["service"])

	log = NewLogger(model.LogConfig{Level: "nonsense"})
	assert.Equal(t, logrus.InfoLevel, log.Logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Logger.Formatter)
}
