package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/testutil"
	"github.com/BTreeMap/TriagePipe/internal/triage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssistantFlow(t *testing.T) {
	tests := []struct {
		name      string
		generator ReplyGenerator
		want      string
	}{
		{"generated reply", testutil.StubGenerator{Reply: "  Olá! Como posso ajudar?  "}, "Olá! Como posso ajudar?"},
		{"generator error", testutil.StubGenerator{Err: errors.New("rate limited")}, "fallback"},
		{"empty reply", testutil.StubGenerator{Reply: "   "}, "fallback"},
		{"no generator", nil, "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := testutil.NewRecordingSender()
			leads := testutil.NewRecordingLeadStore()
			f := NewAssistantFlow(tt.generator, sender, WithFallback("fallback"), WithLeadStore(leads))

			require.NoError(t, f.Handle(context.Background(), models.InboundMessage{From: alice, Body: "preciso de ajuda"}))
			assert.Equal(t, []string{tt.want}, sender.SentTo(alice))

			lead, _ := leads.GetLead(context.Background(), alice)
			require.NotNil(t, lead)
			assert.Equal(t, "preciso de ajuda", lead.LastMessage)
			assert.Equal(t, tt.want, lead.LastReply)
		})
	}
}

func TestAssistantFlow_DefaultFallback(t *testing.T) {
	sender := testutil.NewRecordingSender()
	f := NewAssistantFlow(nil, sender)
	require.NoError(t, f.Handle(context.Background(), models.InboundMessage{From: alice, Body: "oi"}))
	assert.Equal(t, []string{triage.DefaultCatalog().Fallback}, sender.SentTo(alice))
}
