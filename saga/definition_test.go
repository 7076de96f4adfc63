package saga

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func extractField(field string) Extractor {
	return func(ctx context.Context, env Envelope) (string, bool) {
		m, ok := env.Payload.(map[string]string)
		if !ok {
			return "", false
		}
		v, ok := m[field]
		return v, ok && v != ""
	}
}

func validDefinition() *Definition {
	return &Definition{
		Name: "order",
		CorrelationRules: []CorrelationRule{
			{MessageType: "OrderPlaced", Extract: extractField("orderId"), CanStart: true},
			{MessageType: "OrderShipped", Extract: extractField("orderId"), CanStart: false},
		},
		InitialFactory: func(ctx context.Context, env Envelope) (any, error) { return map[string]any{}, nil },
		NewUserState:   func() any { return &map[string]any{} },
		Handlers: map[string][]HandlerEntry{
			"OrderPlaced": {{Handle: func(ctx context.Context, sc *SagaContext, payload any, userState any) (any, error) {
				return userState, nil
			}}},
		},
	}
}

func TestDefinition_Validate_RejectsEmptyName(t *testing.T) {
	d := validDefinition()
	d.Name = ""
	require.Error(t, d.validate())
}

func TestDefinition_Validate_RequiresAtLeastOneCanStartRule(t *testing.T) {
	d := validDefinition()
	for i := range d.CorrelationRules {
		d.CorrelationRules[i].CanStart = false
	}
	err := d.validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDefinitionInvalid)
}

func TestDefinition_Validate_RequiresInitialFactory(t *testing.T) {
	d := validDefinition()
	d.InitialFactory = nil
	require.Error(t, d.validate())
}

func TestDefinition_Validate_RequiresNonEmptyHandlerList(t *testing.T) {
	d := validDefinition()
	d.Handlers["Dangling"] = nil
	require.Error(t, d.validate())
}

func TestDefinition_Validate_RejectsNilHandlerFunction(t *testing.T) {
	d := validDefinition()
	d.Handlers["OrderPlaced"] = append(d.Handlers["OrderPlaced"], HandlerEntry{Handle: nil})
	require.Error(t, d.validate())
}

func TestDefinition_ResolveCorrelation_FirstMatchingRuleWins(t *testing.T) {
	d := validDefinition()
	rule, id, matched := d.resolveCorrelation(context.Background(), Envelope{
		Type:    "OrderPlaced",
		Payload: map[string]string{"orderId": "o-1"},
	})
	require.True(t, matched)
	assert.Equal(t, "o-1", id)
	assert.True(t, rule.CanStart)
}

func TestDefinition_ResolveCorrelation_NoMatchWhenExtractorFails(t *testing.T) {
	d := validDefinition()
	_, _, matched := d.resolveCorrelation(context.Background(), Envelope{
		Type:    "OrderPlaced",
		Payload: map[string]string{},
	})
	assert.False(t, matched)
}

func TestDefinition_SelectHandler_SkipsGuardedEntryUntilItPasses(t *testing.T) {
	calledFallback := false
	d := validDefinition()
	d.Handlers["OrderShipped"] = []HandlerEntry{
		{Guard: func(ctx context.Context, userState any) bool { return false }, Handle: func(ctx context.Context, sc *SagaContext, payload any, userState any) (any, error) {
			return userState, nil
		}},
		{Guard: nil, Handle: func(ctx context.Context, sc *SagaContext, payload any, userState any) (any, error) {
			calledFallback = true
			return userState, nil
		}},
	}
	entry, ok := d.selectHandler(context.Background(), "OrderShipped", nil)
	require.True(t, ok)
	_, err := entry.Handle(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, calledFallback)
}

func TestDefinition_SelectHandler_NoEntryForUnknownType(t *testing.T) {
	d := validDefinition()
	_, ok := d.selectHandler(context.Background(), "Unknown", nil)
	assert.False(t, ok)
}
