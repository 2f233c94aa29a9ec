package gateway

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alekspetrov/warden/internal/approval"
	"github.com/alekspetrov/warden/internal/store"
)

var decisionPage = template.Must(template.New("decision").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>warden: {{.Title}}</title></head>
<body style="font-family: sans-serif; max-width: 40em; margin: 3em auto;">
<h1>{{.Title}}</h1>
{{if .Decision}}<table>
<tr><td>Decision</td><td><code>{{.Decision.ID}}</code></td></tr>
<tr><td>Subject</td><td>{{.Decision.EntityType}} {{.Decision.EntityID}}</td></tr>
<tr><td>Action</td><td>{{.Decision.Action}}</td></tr>
<tr><td>Status</td><td><strong>{{.Decision.Status}}</strong></td></tr>
{{if .Decision.DecidedBy}}<tr><td>Decided by</td><td>{{.Decision.DecidedBy}}</td></tr>{{end}}
{{if .Decision.DecidedAt}}<tr><td>Decided at</td><td>{{.Decision.DecidedAt.Format "2006-01-02 15:04 MST"}}</td></tr>{{end}}
<tr><td>Expires</td><td>{{.Decision.ExpiresAt.Format "2006-01-02 15:04 MST"}}</td></tr>
</table>{{end}}
{{if .Message}}<p>{{.Message}}</p>{{end}}
</body>
</html>
`))

type decisionView struct {
	Title    string
	Message  string
	Decision *store.Decision
}

// handleDecision applies an emailed approve or reject link.
func (s *Server) handleDecision(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, token := decisionParams(r)
		d, err := s.deps.Decisions.Verify(r.Context(), id, token)
		if err != nil {
			s.renderDecisionError(w, r, err)
			return
		}

		wasPending := d.Status == store.DecisionPending
		d, err = s.deps.Decisions.Apply(r.Context(), d.ID, approve, approval.Decider{
			By:        "link",
			RemoteIP:  r.RemoteAddr,
			UserAgent: r.UserAgent(),
			Comment:   r.URL.Query().Get("comment"),
		})
		if err != nil {
			s.renderDecisionError(w, r, err)
			return
		}

		view := decisionView{Decision: d}
		switch {
		case !wasPending:
			view.Title = "Already decided"
			view.Message = "This decision was resolved earlier and was not changed."
		case d.Status == store.DecisionApproved:
			view.Title = "Approved"
		default:
			view.Title = "Rejected"
		}
		s.renderDecision(w, r, http.StatusOK, view)
	}
}

// handleDecisionStatus shows a decision without changing it. Expired
// decisions are still shown to the token holder.
func (s *Server) handleDecisionStatus(w http.ResponseWriter, r *http.Request) {
	id, token := decisionParams(r)
	d, err := s.deps.Decisions.Status(r.Context(), id, token)
	if err != nil {
		s.renderDecisionError(w, r, err)
		return
	}
	view := decisionView{Title: "Decision status", Decision: d}
	if d.Status == store.DecisionPending && !time.Now().Before(d.ExpiresAt) {
		view.Message = "This decision has expired."
	}
	s.renderDecision(w, r, http.StatusOK, view)
}

func decisionParams(r *http.Request) (id, token string) {
	q := r.URL.Query()
	return q.Get("decision_id"), q.Get("token")
}

func (s *Server) renderDecisionError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, approval.ErrInvalidToken) {
		s.renderDecision(w, r, http.StatusForbidden, decisionView{
			Title:   "Link not valid",
			Message: "The link is invalid or has expired.",
		})
		return
	}
	s.log.Error("Decision request failed", slog.Any("error", err))
	s.renderDecision(w, r, http.StatusInternalServerError, decisionView{
		Title:   "Something went wrong",
		Message: "The decision could not be processed. Try again later.",
	})
}

// renderDecision answers with HTML, or JSON when the client asks for it.
func (s *Server) renderDecision(w http.ResponseWriter, r *http.Request, status int, view decisionView) {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		body := map[string]any{"title": view.Title}
		if view.Message != "" {
			body["message"] = view.Message
		}
		if view.Decision != nil {
			body["decision"] = view.Decision
		}
		writeJSON(w, status, body)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := decisionPage.Execute(w, view); err != nil {
		s.log.Warn("Render decision page", slog.Any("error", err))
	}
}
