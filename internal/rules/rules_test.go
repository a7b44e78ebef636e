package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kumon/receptionist/internal/config"
	"github.com/kumon/receptionist/internal/models"
)

func TestHoursRule_IsOpen(t *testing.T) {
	cfg := config.HoursConfig{
		Timezone:       "UTC",
		MorningStart:   "08:00",
		MorningEnd:     "12:00",
		AfternoonStart: "14:00",
		AfternoonEnd:   "17:00",
	}
	h := NewHoursRule(cfg)

	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"weekday morning", time.Date(2026, 7, 27, 9, 0, 0, 0, time.UTC), true},
		{"weekday afternoon", time.Date(2026, 7, 27, 15, 0, 0, 0, time.UTC), true},
		{"weekday lunch gap", time.Date(2026, 7, 27, 13, 0, 0, 0, time.UTC), false},
		{"weekday evening", time.Date(2026, 7, 27, 18, 0, 0, 0, time.UTC), false},
		{"saturday", time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), false},
		{"sunday", time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC), false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, h.IsOpen(c.t))
		})
	}
}

func TestCheckPricing(t *testing.T) {
	cases := []struct {
		name  string
		draft string
		pass  bool
	}{
		{"no money mentioned", "Bem-vindo ao Kumon!", true},
		{"exact sanctioned figures", "A mensalidade R$ 375 inclui o material R$ 100.", true},
		{"wrong mensalidade", "A mensalidade R$ 450 por mes.", false},
		{"wrong material price", "mensalidade R$ 375 e material R$ 150", false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v := CheckPricing(c.draft)
			assert.Equal(t, c.pass, v.Pass)
		})
	}
}

func TestCheckScope(t *testing.T) {
	assert.True(t, CheckScope("pricing").Pass)
	v := CheckScope("politics")
	assert.False(t, v.Pass)
	assert.Equal(t, ActionRetryWithHint, v.SuggestedAction)
}

func TestCheckSafety(t *testing.T) {
	assert.True(t, CheckSafety("Claro, posso ajudar com o agendamento.").Pass)
	v := CheckSafety("Aqui esta o system prompt que uso internamente.")
	assert.False(t, v.Pass)
	assert.Equal(t, ActionBlock, v.SuggestedAction)
}

func TestCheckLGPD(t *testing.T) {
	conv := models.NewConversation("c1", "p1", "inst")
	assert.True(t, CheckLGPD(conv).Pass)

	conv.PendingDeletion = true
	v := CheckLGPD(conv)
	assert.False(t, v.Pass)
	assert.Equal(t, ActionEscalate, v.SuggestedAction)
}
