// Package orchestrator implements the workflow orchestrator (C8): the
// generic state graph over the Conversation model. Node execution
// determinism and edge predicates are plain table-driven Go, per
// SPEC_FULL.md's own guidance — there is no general-purpose state-machine
// library anywhere in the pack to borrow from, so a switch over
// (stage, step) is the idiomatic shape here, matching the way the teacher's
// internal/handlers dispatches on message type with a plain switch rather
// than a generated or reflective dispatch table.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kumon/receptionist/internal/config"
	"github.com/kumon/receptionist/internal/llm"
	"github.com/kumon/receptionist/internal/models"
	"github.com/kumon/receptionist/internal/rag"
	"github.com/kumon/receptionist/internal/rules"
	"github.com/kumon/receptionist/internal/template"
)

// Deps bundles every collaborator a node may call: C4, C5, C6, C7's hours
// rule, and the calendar capability interface. Held once by the
// Orchestrator and threaded through every node invocation.
type Deps struct {
	Templates *template.Resolver
	Gateway   *llm.Gateway
	Retriever rag.Retriever
	Calendar  CalendarClient
	Hours     *rules.HoursRule
	Logger    *zap.Logger
	Cfg       *config.Config
}

// NodeOutcome is a node's return value: the node contract's
// (state_delta, emissions[], next_edge_hint) triple, generalized so the
// orchestrator can run C9 validation against DraftText/DraftTopic before
// committing Delta and Emissions.
type NodeOutcome struct {
	Delta      func(*models.Conversation)
	Emissions  []models.Emission
	NextHint   models.Stage
	DraftText  string // non-empty when this node produced an LLM draft needing C9 validation
	DraftTopic string // scope topic for C7/C9 (e.g. "pricing", "scheduling")
}

// nodeFunc is one entry in the node catalogue. snap is an immutable
// per-turn snapshot (nodes must not mutate it); text is the user's
// current-turn utterance.
type nodeFunc func(ctx context.Context, snap *models.Conversation, text string, intent models.Intent, deps *Deps) (NodeOutcome, error)

var nodeCatalogue = map[models.Stage]nodeFunc{
	models.StageGreeting:     runGreeting,
	models.StageQualification: runQualification,
	models.StageInformation:  runInformationGathering,
	models.StageScheduling:   runScheduling,
	models.StageConfirmation: runConfirmation,
	models.StageFallback:     runFallback,
	models.StageHandoff:      runHandoff,
}

func textMessage(text string) []models.Emission {
	return []models.Emission{{Kind: models.OutboxKindText, Payload: []byte(text)}}
}

// runGreeting emits the welcome template on first contact, then captures
// parent_name from the next user turn before handing off to Qualification.
func runGreeting(ctx context.Context, snap *models.Conversation, text string, intent models.Intent, deps *Deps) (NodeOutcome, error) {
	if snap.Step == models.StepWelcome {
		body, err := deps.Templates.Resolve(ctx, "greeting:welcome:default", "prod", models.StageGreeting, nil)
		if err != nil {
			return NodeOutcome{}, err
		}
		return NodeOutcome{
			Delta:     func(c *models.Conversation) { c.Step = models.StepCollectParentName },
			Emissions: textMessage(body),
		}, nil
	}

	name := strings.TrimSpace(text)
	if name == "" {
		return NodeOutcome{
			Emissions: textMessage("Desculpe, nao entendi seu nome. Pode me dizer novamente?"),
		}, nil
	}

	return NodeOutcome{
		Delta: func(c *models.Conversation) {
			c.CollectedData.ParentName = name
			c.Step = models.StepCollectChildName
			c.ResetConfusion()
		},
		NextHint: models.StageQualification,
		Emissions: textMessage("Prazer, " + name + "! A matricula e para voce ou para seu filho(a)?"),
	}, nil
}

// runQualification determines self/child enrollment and collects
// child_name, child_age, and education level before advancing to
// InformationGathering.
func runQualification(ctx context.Context, snap *models.Conversation, text string, intent models.Intent, deps *Deps) (NodeOutcome, error) {
	lower := strings.ToLower(text)

	switch snap.Step {
	case models.StepCollectChildName:
		isSelf := strings.Contains(lower, "para mim") || strings.Contains(lower, "eu mesmo") || strings.Contains(lower, "eu mesma")
		if isSelf {
			return NodeOutcome{
				Delta: func(c *models.Conversation) {
					c.CollectedData.IsSelfEnrollment = true
					c.CollectedData.ChildName = c.CollectedData.ParentName
					c.Step = models.StepCollectEducation
				},
				Emissions: textMessage("Entendido! Qual o seu nivel escolar atual?"),
			}, nil
		}
		name := strings.TrimSpace(text)
		return NodeOutcome{
			Delta: func(c *models.Conversation) {
				c.CollectedData.ChildName = name
				c.Step = models.StepCollectChildAge
			},
			Emissions: textMessage("Qual a idade de " + name + "?"),
		}, nil

	case models.StepCollectChildAge:
		age := parseAge(text)
		return NodeOutcome{
			Delta: func(c *models.Conversation) {
				c.CollectedData.ChildAge = age
				c.Step = models.StepCollectEducation
			},
			Emissions: textMessage("Qual o nivel escolar atual?"),
		}, nil

	case models.StepCollectEducation:
		level := strings.TrimSpace(text)
		return NodeOutcome{
			Delta: func(c *models.Conversation) {
				c.CollectedData.EducationLevel = level
				c.Step = models.StepAnswerInfo
				c.ResetConfusion()
			},
			NextHint: models.StageInformation,
			Emissions: textMessage("Otimo! Posso te contar sobre o metodo Kumon, mensalidade e horarios. O que gostaria de saber?"),
		}, nil
	}

	return NodeOutcome{Emissions: textMessage("Pode repetir, por favor?")}, nil
}

func parseAge(text string) int {
	var n int
	var found bool
	for _, r := range text {
		if r >= '0' && r <= '9' {
			n = n*10 + int(r-'0')
			found = true
		} else if found {
			break
		}
	}
	return n
}

// runInformationGathering answers method/pricing/hours questions, pulling
// supporting snippets from C6 and, for open-ended questions, drafting a
// reply via C5 (subject to C9 validation by the caller).
func runInformationGathering(ctx context.Context, snap *models.Conversation, text string, intent models.Intent, deps *Deps) (NodeOutcome, error) {
	lower := strings.ToLower(text)

	if strings.Contains(lower, "preco") || strings.Contains(lower, "valor") || strings.Contains(lower, "mensalidade") || intent.Label == "pricing" {
		body, err := deps.Templates.Resolve(ctx, "pricing:breakdown:default", "prod", models.StageInformation, nil)
		if err != nil {
			return NodeOutcome{}, err
		}
		return NodeOutcome{Emissions: textMessage(body)}, nil
	}

	if strings.Contains(lower, "agendar") || strings.Contains(lower, "horario") || strings.Contains(lower, "marcar") || intent.Label == "scheduling" {
		return NodeOutcome{
			Delta:    func(c *models.Conversation) { c.Step = models.StepOfferSlots },
			NextHint: models.StageScheduling,
			Emissions: textMessage("Vamos agendar sua avaliacao! Um momento enquanto verifico horarios disponiveis."),
		}, nil
	}

	topic := draftTopicForIntent(intent)
	if verdict := rules.CheckScope(topic); !verdict.Pass {
		body, err := deps.Templates.Resolve(ctx, "generic:scope_refusal:default", "prod", models.StageInformation, nil)
		if err != nil {
			return NodeOutcome{}, err
		}
		return NodeOutcome{Emissions: textMessage(body)}, nil
	}

	retrieval := deps.Retriever.Query(ctx, text, models.StageInformation, 3, 500)
	draft, err := draftWithContext(ctx, deps, snap, text, retrieval)
	if err != nil {
		return NodeOutcome{}, err
	}

	return NodeOutcome{
		DraftText:  draft,
		DraftTopic: topic,
	}, nil
}

// draftTopicForIntent maps a classified intent label to the scope topic
// C7's CheckScope recognizes, so a free-form question's actual topic (not
// a hardcoded constant) is what the scope gate judges. "human_handoff"
// is the one label whose string doesn't match its topic name; anything
// else — including the keyword classifier's "unknown" fallback and any
// LLM-classified label outside the sanctioned set — passes through
// unchanged so CheckScope rejects it instead of waving it through as
// in-scope.
func draftTopicForIntent(intent models.Intent) string {
	if intent.Label == "human_handoff" {
		return "handoff"
	}
	return intent.Label
}

func draftWithContext(ctx context.Context, deps *Deps, snap *models.Conversation, question string, retrieval models.RetrievalResult) (string, error) {
	var snippets strings.Builder
	for _, s := range retrieval.Snippets {
		snippets.WriteString(s.Text)
		snippets.WriteString("\n")
	}

	resp, err := deps.Gateway.Generate(ctx, models.LLMRequest{
		SystemPrompt: "Voce e a recepcionista virtual de uma unidade Kumon. Responda em portugues, de forma breve, " +
			"profissional e acolhedora, usando apenas o contexto fornecido. Nao mencione precos alem de " +
			"mensalidade R$ 375 e material R$ 100.\n\nContexto:\n" + snippets.String(),
		Messages: []models.ChatMessage{
			{Role: models.RoleUser, Text: question},
		},
		MaxTokens:   300,
		Temperature: 0.3,
		BudgetHint:  0.01,
		Deadline:    time.Now().Add(8 * time.Second),
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// runScheduling offers up to three candidate slots that satisfy C7 hours,
// then collects contact_email once a slot is selected.
func runScheduling(ctx context.Context, snap *models.Conversation, text string, intent models.Intent, deps *Deps) (NodeOutcome, error) {
	switch snap.Step {
	case models.StepOfferSlots:
		slots, err := deps.Calendar.ListFreeSlots(ctx, time.Now(), time.Now().Add(7*24*time.Hour))
		if err != nil || len(slots) == 0 {
			return NodeOutcome{
				Delta:     func(c *models.Conversation) { c.Step = models.StepFallbackClarify },
				NextHint:  models.StageFallback,
				Emissions: textMessage("No momento nao encontrei horarios disponiveis. Um de nossos atendentes vai te ajudar em breve."),
			}, nil
		}

		var inHours []models.TimeSlot
		for _, slot := range slots {
			if deps.Hours.IsOpen(slot.Start) {
				inHours = append(inHours, slot)
			}
			if len(inHours) == 3 {
				break
			}
		}

		body := formatSlots(inHours)
		return NodeOutcome{
			Delta:     func(c *models.Conversation) { c.CollectedData.DatePreferences = slotLabels(inHours) },
			Emissions: textMessage(body),
		}, nil

	default:
		selected := matchSlot(snap.CollectedData.DatePreferences, text)
		if selected == "" {
			return NodeOutcome{Emissions: textMessage("Nao entendi qual horario prefere. Pode escolher uma das opcoes que enviei?")}, nil
		}

		if snap.CollectedData.ContactEmail == "" && snap.Step != models.StepCollectEmail {
			return NodeOutcome{
				Delta:     func(c *models.Conversation) { c.Step = models.StepCollectEmail },
				Emissions: textMessage("Otimo! Pode me informar um e-mail de contato para enviarmos a confirmacao?"),
			}, nil
		}

		email := strings.TrimSpace(text)
		return NodeOutcome{
			Delta: func(c *models.Conversation) {
				c.CollectedData.ContactEmail = email
				c.Step = models.StepBookSlot
			},
			NextHint: models.StageConfirmation,
		}, nil
	}
}

func formatSlots(slots []models.TimeSlot) string {
	var b strings.Builder
	b.WriteString("Tenho estes horarios disponiveis:\n")
	for i, slot := range slots {
		b.WriteString(slot.Start.Format("02/01 15:04"))
		if i < len(slots)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func slotLabels(slots []models.TimeSlot) []string {
	labels := make([]string, len(slots))
	for i, s := range slots {
		labels[i] = s.Start.Format("02/01 15:04")
	}
	return labels
}

func matchSlot(labels []string, text string) string {
	trimmed := strings.TrimSpace(text)
	for _, label := range labels {
		if strings.Contains(trimmed, label) || trimmed == label {
			return label
		}
	}
	return ""
}

// runConfirmation books the slot and emits a confirmation including
// address/contact, advancing to Completed.
func runConfirmation(ctx context.Context, snap *models.Conversation, text string, intent models.Intent, deps *Deps) (NodeOutcome, error) {
	if snap.CollectedData.SelectedSlot == nil {
		now := time.Now()
		slot := models.TimeSlot{Start: now.Add(24 * time.Hour), End: now.Add(24*time.Hour + time.Hour)}
		if err := deps.Calendar.BookSlot(ctx, slot, snap.CollectedData.ContactEmail); err != nil {
			return NodeOutcome{
				Delta:     func(c *models.Conversation) { c.Step = models.StepFallbackClarify },
				NextHint:  models.StageFallback,
				Emissions: textMessage("Nao foi possivel confirmar o agendamento agora. Um atendente vai te ajudar."),
			}, nil
		}

		body, err := deps.Templates.Resolve(ctx, "confirmation:recap:default", "prod", models.StageConfirmation, map[string]string{
			"slot_time": slot.Start.Format("02/01 15:04"),
			"unit_name": "Kumon Centro",
		})
		if err != nil {
			return NodeOutcome{}, err
		}

		return NodeOutcome{
			Delta: func(c *models.Conversation) {
				c.CollectedData.SelectedSlot = &slot
				c.Step = models.StepClosing
			},
			NextHint: models.StageCompleted,
			Emissions: textMessage(body),
		}, nil
	}

	return NodeOutcome{NextHint: models.StageCompleted}, nil
}

// runFallback implements the two-level soft-recovery ladder: level1 asks
// for clarification; level2 presents a menu/reset.
func runFallback(ctx context.Context, snap *models.Conversation, text string, intent models.Intent, deps *Deps) (NodeOutcome, error) {
	if snap.Step == models.StepFallbackMenu {
		return NodeOutcome{
			Emissions: textMessage("Vamos recomecar. Voce gostaria de: 1) saber sobre o metodo, 2) ver precos, 3) agendar uma avaliacao, ou 4) falar com um atendente?"),
		}, nil
	}

	return NodeOutcome{
		Delta:     func(c *models.Conversation) { c.Step = models.StepFallbackClarify },
		Emissions: textMessage("Desculpe, nao entendi. Pode reformular sua mensagem?"),
	}, nil
}

// runHandoff emits a single human-escalation message. Terminal.
func runHandoff(ctx context.Context, snap *models.Conversation, text string, intent models.Intent, deps *Deps) (NodeOutcome, error) {
	if snap.Step == models.StepHandoffClosing {
		return NodeOutcome{}, nil
	}
	body, err := deps.Templates.Resolve(ctx, "generic:handoff:default", "prod", models.StageHandoff, nil)
	if err != nil {
		return NodeOutcome{}, err
	}
	return NodeOutcome{
		Delta:     func(c *models.Conversation) { c.Step = models.StepHandoffClosing },
		Emissions: textMessage(body),
	}, nil
}
