package notify

import (
	"fmt"
	"strings"
	"sync"
)

// Template is a reusable notification template. Placeholders use
// {{name}} syntax and render from the request's data map.
type Template struct {
	ID      string
	Subject string
	Body    string
	Channel Channel
}

// Registry holds notification templates.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// Built-in template ids used by the pipeline.
const (
	TemplateEpisodeOpenedPatient   = "episode-opened-patient"
	TemplateEpisodeOpenedClinician = "episode-opened-clinician"
	TemplateCareRequestApproved    = "care-request-approved-support"
	TemplateDischargeLetterSent    = "discharge-letter-sent"
)

// NewRegistry creates a registry with the built-in templates registered.
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[string]Template)}
	for _, t := range []Template{
		{
			ID:      TemplateEpisodeOpenedPatient,
			Subject: "Your care episode has started",
			Body:    "Hi {{patient_name}}, your care episode {{episode_id}} is now active. Your clinician will be in touch shortly.",
			Channel: ChannelEmail,
		},
		{
			ID:      TemplateEpisodeOpenedClinician,
			Subject: "New episode assigned: {{patient_name}}",
			Body:    "A new episode {{episode_id}} ({{body_region}}) has been assigned to you.",
			Channel: ChannelEmail,
		},
		{
			ID:      TemplateCareRequestApproved,
			Subject: "Care request {{request_id}} approved",
			Body:    "Care request {{request_id}} was approved and converted to episode {{episode_id}}.",
			Channel: ChannelEmail,
		},
		{
			ID:      TemplateDischargeLetterSent,
			Subject: "Discharge letter sent",
			Body:    "The discharge letter for episode {{episode_id}} has been sent to {{patient_name}}.",
			Channel: ChannelEmail,
		},
	} {
		r.templates[t.ID] = t
	}
	return r
}

// Register adds or replaces a template.
func (r *Registry) Register(t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.ID] = t
}

// Render resolves a template and substitutes placeholders. Unknown
// placeholders are left intact so a missing value is visible downstream
// rather than silently blank.
func (r *Registry) Render(templateID string, data map[string]string) (subject, body string, err error) {
	r.mu.RLock()
	t, ok := r.templates[templateID]
	r.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("unknown template %q", templateID)
	}
	return substitute(t.Subject, data), substitute(t.Body, data), nil
}

func substitute(s string, data map[string]string) string {
	for k, v := range data {
		s = strings.ReplaceAll(s, "{{"+k+"}}", v)
	}
	return s
}
