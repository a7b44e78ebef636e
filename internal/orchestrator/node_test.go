package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumon/receptionist/internal/models"
	"github.com/kumon/receptionist/internal/rag"
	"github.com/kumon/receptionist/internal/template"
)

func TestDraftTopicForIntent(t *testing.T) {
	assert.Equal(t, "method_explanation", draftTopicForIntent(models.Intent{Label: "method_explanation"}))
	assert.Equal(t, "handoff", draftTopicForIntent(models.Intent{Label: "human_handoff"}))
	assert.Equal(t, "unknown", draftTopicForIntent(models.Intent{Label: "unknown"}))
	assert.Equal(t, "general_knowledge", draftTopicForIntent(models.Intent{Label: "general_knowledge"}))
}

func TestRunInformationGathering_OutOfScopeQuestionSkipsLLM(t *testing.T) {
	tmpl, err := template.New(nil)
	require.NoError(t, err)

	deps := &Deps{
		Templates: tmpl,
		Retriever: rag.NullRetriever{},
	}

	snap := models.NewConversation("c1", "p1", "i1")
	outcome, err := runInformationGathering(context.Background(), snap, "Qual a capital da Franca?", models.Intent{Label: "unknown"}, deps)
	require.NoError(t, err)

	assert.Empty(t, outcome.DraftText, "an out-of-scope question must never reach the LLM draft path")
	require.Len(t, outcome.Emissions, 1)
	assert.Contains(t, string(outcome.Emissions[0].Payload), "Posso ajudar apenas")
}
