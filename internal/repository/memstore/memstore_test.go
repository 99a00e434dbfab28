package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/checkfox/go_broker/internal/models"
)

func strPtr(s string) *string { return &s }

func TestLeads_CopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := New()

	lead := &models.Lead{Email: "a@example.com", Extra: models.JSONB{"k": "v"}}
	require.NoError(t, store.Leads().CreateLead(ctx, lead))
	assert.NotZero(t, lead.ID)
	assert.Equal(t, models.LeadStatusNew, lead.Status)

	got, err := store.Leads().GetLeadByID(ctx, lead.ID)
	require.NoError(t, err)
	got.Extra["k"] = "changed"
	got.Status = models.LeadStatusSent

	again, err := store.Leads().GetLeadByID(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Extra["k"])
	assert.Equal(t, models.LeadStatusNew, again.Status)

	_, err = store.Leads().GetLeadByID(ctx, 999)
	assert.True(t, models.IsNotFound(err))
}

func TestLeads_ExternalIDQueries(t *testing.T) {
	ctx := context.Background()
	store := New()
	leads := store.Leads()

	old := &models.Lead{Broker: "ACME", ExternalID: strPtr("x1"), CreatedAt: time.Now().Add(-30 * 24 * time.Hour)}
	fresh := &models.Lead{Broker: "acme", ExternalID: strPtr("x2")}
	other := &models.Lead{Broker: "OTHER", ExternalID: strPtr("x3")}
	for _, l := range []*models.Lead{old, fresh, other} {
		require.NoError(t, leads.CreateLead(ctx, l))
	}

	list, err := leads.ListWithExternalID(ctx, "ACME", time.Now().Add(-14*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "x2", list[0].ExternalIDValue())

	found, err := leads.FindByExternalID(ctx, "x3", "")
	require.NoError(t, err)
	assert.Equal(t, other.ID, found.ID)

	_, err = leads.FindByExternalID(ctx, "x3", "ACME")
	assert.True(t, models.IsNotFound(err))

	existing, err := leads.ExistingExternalIDs(ctx, []string{"x1", "nope"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"x1": true}, existing)
}

func TestAttempts_CountAcceptedIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	store := New()

	for i, outcome := range []models.AttemptOutcome{models.OutcomeAccepted, models.OutcomeRejected, models.OutcomeAccepted} {
		a := models.NewLeadBrokerAttempt(int64(i+1), []string{"ACME", "acme", "Acme"}[i], 1)
		a.Outcome = outcome
		require.NoError(t, store.Attempts().CreateAttempt(ctx, a))
	}

	count, err := store.Attempts().CountAcceptedByBroker(ctx, "ACME")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestTemplatesAndBoxes(t *testing.T) {
	ctx := context.Background()
	store := New()

	tpl := store.AddTemplate(&models.BrokerTemplate{Code: "acme", Active: true})
	store.AddTemplate(&models.BrokerTemplate{Code: "off"})

	active, err := store.Templates().ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	now := time.Now()
	require.NoError(t, store.Templates().UpdatePullLastSync(ctx, tpl.ID, now))
	got, err := store.Templates().GetByCode(ctx, "ACME")
	require.NoError(t, err)
	require.NotNil(t, got.PullLastSync)
	assert.True(t, got.PullLastSync.Equal(now))

	store.AddBox(&models.Box{Name: "universal"})
	store.AddBox(&models.Box{Name: "box_fr_1", Country: strPtr("FR")})

	fr, err := store.Boxes().FindByCountry(ctx, "fr")
	require.NoError(t, err)
	assert.Equal(t, "box_fr_1", fr.Name)

	uni, err := store.Boxes().FindUniversal(ctx)
	require.NoError(t, err)
	assert.Equal(t, "universal", uni.Name)

	_, err = store.Boxes().FindByCountry(ctx, "DE")
	assert.True(t, models.IsNotFound(err))
}
