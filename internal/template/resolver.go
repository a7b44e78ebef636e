// Package template implements the prompt/template resolver (C4): resolves
// stage:type:variant names to rendered text via a remote Redis registry,
// falling back to a local embed.FS-bundled set, falling back again to a
// generic per-stage default. Rendering substitutes {var} placeholders with
// a hand-rolled scanner rather than text/template, because the spec's
// grammar is a flat {var} substitution, not Go template syntax — documented
// in DESIGN.md as a stdlib-adjacent justification (no example repo ships a
// matching minimal template DSL). Templates fetched from the remote tier
// are cached in an in-process sync.Map for cacheTTL; an expired entry is
// deleted on the next lookup of that key, with no background sweep. The
// bundled and generic tiers are in-memory maps and are not cached. The
// sync.Map keyed-lookup shape follows the teacher's
// internal/queue/consumer.go per-queue worker state.
package template

import (
	"context"
	"embed"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kumon/receptionist/internal/models"
)

//go:embed bundled/*.json
var bundledFS embed.FS

const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	tmpl      models.Template
	expiresAt time.Time
}

// Resolver is the C4 component.
type Resolver struct {
	redis    *redis.Client
	bundled  map[string]models.Template
	cache    sync.Map // name+tag -> cacheEntry
	fallback map[models.Stage]models.Template
}

// New loads the bundled fallback set from the embedded filesystem and
// wraps the given Redis client as the remote registry tier.
func New(redisClient *redis.Client) (*Resolver, error) {
	bundled, err := loadBundled()
	if err != nil {
		return nil, err
	}

	return &Resolver{
		redis:    redisClient,
		bundled:  bundled,
		fallback: genericStageDefaults(),
	}, nil
}

func loadBundled() (map[string]models.Template, error) {
	entries, err := bundledFS.ReadDir("bundled")
	if err != nil {
		return nil, err
	}

	out := make(map[string]models.Template, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := bundledFS.ReadFile("bundled/" + entry.Name())
		if err != nil {
			return nil, err
		}
		var t models.Template
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		out[t.Name] = t
	}
	return out, nil
}

func genericStageDefaults() map[models.Stage]models.Template {
	return map[models.Stage]models.Template{
		models.StageGreeting: {
			Name: "generic:greeting:default",
			Body: "Ola! Bem-vindo ao Kumon. Como posso ajudar?",
		},
		models.StageFallback: {
			Name: "generic:fallback:default",
			Body: "Desculpe, nao entendi. Pode reformular?",
		},
		models.StageHandoff: {
			Name: "generic:handoff:default",
			Body: "Vou transferir voce para um de nossos atendentes.",
		},
	}
}

// Resolve looks up name (e.g. "scheduling:slot_offer:default") in order:
// remote registry by name+tag, then bundled fallback, then generic
// per-stage default, then renders it against vars.
func (r *Resolver) Resolve(ctx context.Context, name, tag string, stage models.Stage, vars map[string]string) (string, error) {
	tmpl, err := r.lookup(ctx, name, tag, stage)
	if err != nil {
		return "", err
	}
	return render(tmpl, withGenderDefaults(vars))
}

func (r *Resolver) lookup(ctx context.Context, name, tag string, stage models.Stage) (models.Template, error) {
	cacheKey := name + ":" + tag
	if v, ok := r.cache.Load(cacheKey); ok {
		entry := v.(cacheEntry)
		if time.Now().Before(entry.expiresAt) {
			return entry.tmpl, nil
		}
		r.cache.Delete(cacheKey)
	}

	if r.redis != nil {
		if tmpl, ok := r.fetchRemote(ctx, name, tag); ok {
			r.cache.Store(cacheKey, cacheEntry{tmpl: tmpl, expiresAt: time.Now().Add(cacheTTL)})
			return tmpl, nil
		}
	}

	if tmpl, ok := r.bundled[name]; ok {
		return tmpl, nil
	}

	if tmpl, ok := r.fallback[stage]; ok {
		return tmpl, nil
	}

	return models.Template{}, &models.TemplateVariableMissing{Name: name, Var: "<template not found>"}
}

func (r *Resolver) fetchRemote(ctx context.Context, name, tag string) (models.Template, bool) {
	key := "template:" + name + ":" + tag
	data, err := r.redis.Get(ctx, key).Bytes()
	if err != nil {
		return models.Template{}, false
	}
	var tmpl models.Template
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return models.Template{}, false
	}
	return tmpl, true
}

// render substitutes {var} placeholders in tmpl.Body. It fails with
// TemplateVariableMissing when a required variable has no value.
func render(tmpl models.Template, vars map[string]string) (string, error) {
	for _, req := range tmpl.RequiredVars {
		if _, ok := vars[req]; !ok {
			return "", &models.TemplateVariableMissing{Name: tmpl.Name, Var: req}
		}
	}

	var b strings.Builder
	body := tmpl.Body
	for {
		start := strings.IndexByte(body, '{')
		if start < 0 {
			b.WriteString(body)
			break
		}
		end := strings.IndexByte(body[start:], '}')
		if end < 0 {
			b.WriteString(body)
			break
		}
		end += start

		b.WriteString(body[:start])
		key := body[start+1 : end]
		if val, ok := vars[key]; ok {
			b.WriteString(val)
		} else {
			b.WriteString("{" + key + "}")
		}
		body = body[end+1:]
	}

	return b.String(), nil
}

// withGenderDefaults fills gender_pronoun/gender_self_suffix with inclusive
// defaults when not already present, per spec §4.4.
func withGenderDefaults(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars)+2)
	for k, v := range vars {
		out[k] = v
	}
	if _, ok := out["gender_pronoun"]; !ok {
		out["gender_pronoun"] = "voce"
	}
	if _, ok := out["gender_self_suffix"]; !ok {
		out["gender_self_suffix"] = ""
	}
	return out
}
