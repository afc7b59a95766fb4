// Package doctor cross-checks a loaded conduit configuration against its
// automations.
package doctor

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/mattjoyce/conduit/internal/chain"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/protocol"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the automations it will run.
type Doctor struct {
	cfg         *config.Config
	automations []config.Automation
}

// New creates a Doctor from a loaded config and its automations.
func New(cfg *config.Config, automations []config.Automation) *Doctor {
	return &Doctor{cfg: cfg, automations: automations}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateStepReferences(r)
	d.validateTargets(r)
	d.validateCallbackPaths(r)
	d.warnNoAutomations(r)
	d.warnInsecureWorkers(r)
	d.warnStateDriver(r)
	d.warnAdminKey(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) usesKind(kind protocol.TargetKind) bool {
	for _, a := range d.automations {
		for _, s := range a.Steps {
			if s.Target != nil && s.Target.Kind() == kind {
				return true
			}
		}
	}
	return false
}

// validateStepReferences checks that settings only reference earlier steps.
func (d *Doctor) validateStepReferences(r *Result) {
	for _, a := range d.automations {
		if err := chain.CheckReferences(a.Steps); err != nil {
			d.addError(r, "references", "automations."+a.Name, err.Error())
		}
	}
}

// validateTargets checks that every target kind has a transport configured.
func (d *Doctor) validateTargets(r *Result) {
	if d.cfg.GitHub.Enabled() {
		return
	}
	for _, a := range d.automations {
		for i, s := range a.Steps {
			if s.Target != nil && s.Target.Kind() == protocol.KindWorkflow {
				d.addError(r, "targets", fmt.Sprintf("automations.%s.steps[%d]", a.Name, i),
					fmt.Sprintf("workflow target %s requires github.app_id", s.Target))
			}
		}
	}
}

// validateCallbackPaths checks that step outputs have a way back in.
func (d *Doctor) validateCallbackPaths(r *Result) {
	if d.usesKind(protocol.KindWorkflow) && len(d.cfg.Webhooks.Endpoints) == 0 {
		d.addError(r, "callbacks", "webhooks.endpoints",
			"workflow steps report back through repository_dispatch webhooks but no webhook endpoint is configured")
	}
	if d.usesKind(protocol.KindWorker) && !d.cfg.API.Enabled {
		d.addWarning(r, "callbacks", "api.enabled",
			"worker steps can only answer inline; enable the API for POST /chains/{id}/output callbacks")
	}
}

func (d *Doctor) warnNoAutomations(r *Result) {
	if d.cfg.AutomationsFile == "" {
		d.addWarning(r, "automations", "automations_file", "no automations file configured; webhooks will start no chains")
		return
	}
	if len(d.automations) == 0 {
		d.addWarning(r, "automations", "automations_file", "automations file defines no automations")
	}
	if len(d.automations) > 0 && len(d.cfg.Webhooks.Endpoints) == 0 {
		d.addWarning(r, "automations", "webhooks.endpoints", "automations are defined but no webhook endpoint can trigger them")
	}
}

// warnInsecureWorkers flags plain-http workers off the local host.
func (d *Doctor) warnInsecureWorkers(r *Result) {
	for _, a := range d.automations {
		for i, s := range a.Steps {
			w, ok := s.Target.(protocol.WorkerTarget)
			if !ok {
				continue
			}
			u, err := url.Parse(w.URL)
			if err != nil || u.Scheme != "http" {
				continue
			}
			host := u.Hostname()
			if host == "localhost" || host == "127.0.0.1" || host == "::1" {
				continue
			}
			d.addWarning(r, "targets", fmt.Sprintf("automations.%s.steps[%d]", a.Name, i),
				fmt.Sprintf("worker %s is reached over plain http; auth tokens travel in the clear", w.URL))
		}
	}
}

func (d *Doctor) warnStateDriver(r *Result) {
	if d.cfg.State.Driver == "memory" {
		d.addWarning(r, "state", "state.driver", "memory state is lost on restart; in-flight chains and jobs will be dropped")
	}
}

func (d *Doctor) warnAdminKey(r *Result) {
	if !d.cfg.API.Enabled || d.cfg.API.Auth.APIKey == "" {
		return
	}
	if len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth.api_key",
			"api_key grants full access; prefer scoped tokens")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}

	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
