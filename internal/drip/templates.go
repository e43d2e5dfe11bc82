package drip

import (
	"fmt"
	"sync"

	"github.com/osteele/liquid"
)

// whatsappTemplates holds the short-message bodies per step. Email bodies
// live with the provider and are addressed by template name; WhatsApp has no
// such facility, so texts are rendered locally.
var whatsappTemplates = map[string]string{
	"welcome":   `Hi {{ first_name | default: "there" }}! You're on the list. We'll keep you posted as launch day approaches.`,
	"countdown": `{{ first_name | default: "Hey" }}, one week to go. Keep an eye on your inbox.`,
	"launch":    `We're live, {{ first_name | default: "friend" }}! Your early access is waiting.`,
}

// TemplateRenderer renders message templates with per-subscriber variables.
type TemplateRenderer struct {
	engine *liquid.Engine
	mu     sync.Mutex
	cache  map[string]*liquid.Template
}

// NewTemplateRenderer creates a renderer with the default filter registered,
// so templates degrade gracefully when a subscriber has no first name.
func NewTemplateRenderer() *TemplateRenderer {
	engine := liquid.NewEngine()
	engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s, ok := value.(string); ok && s == "" {
			return fallback
		}
		return value
	})
	return &TemplateRenderer{
		engine: engine,
		cache:  make(map[string]*liquid.Template),
	}
}

// RenderWhatsApp renders the WhatsApp text for a template name.
func (r *TemplateRenderer) RenderWhatsApp(name string, vars map[string]interface{}) (string, error) {
	src, ok := whatsappTemplates[name]
	if !ok {
		return "", fmt.Errorf("no whatsapp template %q", name)
	}
	return r.render(name, src, vars)
}

func (r *TemplateRenderer) render(name, src string, vars map[string]interface{}) (string, error) {
	r.mu.Lock()
	tmpl, ok := r.cache[name]
	r.mu.Unlock()
	if !ok {
		var err error
		tmpl, err = r.engine.ParseString(src)
		if err != nil {
			return "", fmt.Errorf("parse template %q: %w", name, err)
		}
		r.mu.Lock()
		r.cache[name] = tmpl
		r.mu.Unlock()
	}
	out, err := tmpl.Render(vars)
	if err != nil {
		return "", fmt.Errorf("render template %q: %w", name, err)
	}
	return string(out), nil
}

// SubscriberVars builds the variable set passed to templates and to the
// email provider.
func SubscriberVars(sub *Subscriber) map[string]interface{} {
	return map[string]interface{}{
		"first_name": sub.FirstName,
		"last_name":  sub.LastName,
		"email":      sub.Email,
	}
}
