package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nhle/notify-engine/internal/channel/call"
	"github.com/nhle/notify-engine/internal/dispatch"
	"github.com/nhle/notify-engine/internal/model"
)

const (
	msgRecorded     = "Thank you. Your response has been recorded. Goodbye."
	msgNotRecorded  = "We could not record your response. Goodbye."
	msgInvalidDigit = "Sorry, that is not a valid choice."

	pageLinkInvalid = "This link has expired or was already used."
)

// CallCompleter applies call status callbacks.
type CallCompleter interface {
	CompleteCall(ctx context.Context, callRef, status string) error
}

// Responder handles user responses.
type Responder interface {
	HandleDtmf(ctx context.Context, callRef, digit string) model.UserResponse
	HandleRsvp(ctx context.Context, token string) model.UserResponse
}

// TokenPeeker checks a token without consuming it.
type TokenPeeker interface {
	PeekActionToken(token string) (model.ActionClaims, error)
}

// SignatureValidator authenticates provider callbacks.
type SignatureValidator interface {
	Valid(ctx context.Context, fullURL string, params url.Values, signature string) bool
}

// Handlers holds the webhook endpoints. They only translate HTTP to calls
// on the engine and hold no state of their own.
type Handlers struct {
	calls         CallCompleter
	responses     Responder
	tokens        TokenPeeker
	signer        SignatureValidator
	publicURL     string
	gatherTimeout time.Duration
	log           *logrus.Entry
}

// HandlersConfig configures Handlers.
type HandlersConfig struct {
	// PublicURL is the externally visible base URL callbacks are signed
	// against.
	PublicURL     string
	GatherTimeout time.Duration
}

// NewHandlers creates the webhook handlers. A nil signer disables
// callback signature checks.
func NewHandlers(
	calls CallCompleter,
	responses Responder,
	tokens TokenPeeker,
	signer SignatureValidator,
	cfg HandlersConfig,
	log *logrus.Entry,
) *Handlers {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handlers{
		calls:         calls,
		responses:     responses,
		tokens:        tokens,
		signer:        signer,
		publicURL:     strings.TrimRight(cfg.PublicURL, "/"),
		gatherTimeout: cfg.GatherTimeout,
		log:           log.WithField("component", "webhook"),
	}
}

// verified parses the form and checks the provider signature.
func (h *Handlers) verified(c *gin.Context) bool {
	if err := c.Request.ParseForm(); err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return false
	}
	if h.signer == nil {
		return true
	}
	fullURL := h.publicURL + c.Request.URL.RequestURI()
	if !h.signer.Valid(c.Request.Context(), fullURL, c.Request.PostForm, c.GetHeader(call.SignatureHeader)) {
		h.log.WithField("client_ip", c.ClientIP()).Warn("callback signature rejected")
		c.AbortWithStatus(http.StatusForbidden)
		return false
	}
	return true
}

// CallStatus handles POST /webhooks/call/status.
func (h *Handlers) CallStatus(c *gin.Context) {
	if !h.verified(c) {
		return
	}
	ref := c.Request.PostForm.Get("CallSid")
	status := c.Request.PostForm.Get("CallStatus")
	if ref == "" || status == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	err := h.calls.CompleteCall(c.Request.Context(), ref, status)
	switch {
	case errors.Is(err, dispatch.ErrUnknownCall):
		c.Status(http.StatusNotFound)
	case err != nil:
		h.log.WithError(err).WithField("call_ref", ref).Error("applying call status")
		c.Status(http.StatusInternalServerError)
	default:
		c.Status(http.StatusNoContent)
	}
}

// CallGather handles POST /webhooks/call/gather and answers with TwiML.
func (h *Handlers) CallGather(c *gin.Context) {
	if !h.verified(c) {
		return
	}
	ref := c.Request.PostForm.Get("CallSid")
	digits := c.Request.PostForm.Get("Digits")
	if ref == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	if _, ok := model.ActionForDigit(digits); !ok {
		// Prompt again; the token is untouched.
		twiml, err := call.GatherTwiML(msgInvalidDigit, h.publicURL+c.Request.URL.Path, h.gatherTimeout)
		if err != nil {
			c.Data(http.StatusOK, "application/xml", call.ReplyTwiML(msgNotRecorded))
			return
		}
		c.Data(http.StatusOK, "application/xml", twiml)
		return
	}

	resp := h.responses.HandleDtmf(c.Request.Context(), ref, digits)
	msg := msgNotRecorded
	if resp.Accepted() {
		msg = msgRecorded
	}
	c.Data(http.StatusOK, "application/xml", call.ReplyTwiML(msg))
}

// RSVPConfirm handles GET /rsvp/:token. It only renders a form; link
// scanners that prefetch the URL do not consume the token.
func (h *Handlers) RSVPConfirm(c *gin.Context) {
	claims, err := h.tokens.PeekActionToken(c.Param("token"))
	if err != nil || len(claims.Actions) != 1 {
		c.HTML(http.StatusGone, "result", gin.H{"Message": pageLinkInvalid})
		return
	}
	c.HTML(http.StatusOK, "confirm", gin.H{"Label": actionLabel(claims.Actions[0])})
}

// RSVPSubmit handles POST /rsvp/:token.
func (h *Handlers) RSVPSubmit(c *gin.Context) {
	resp := h.responses.HandleRsvp(c.Request.Context(), c.Param("token"))
	if !resp.Accepted() {
		c.HTML(http.StatusGone, "result", gin.H{"Message": pageLinkInvalid})
		return
	}
	c.HTML(http.StatusOK, "result", gin.H{"Message": resultMessage(resp.Action)})
}

// Health handles GET /healthz.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func actionLabel(a model.Action) string {
	switch a {
	case model.ActionConfirm:
		return "confirm"
	case model.ActionReschedule:
		return "reschedule"
	case model.ActionCancel:
		return "cancel"
	}
	return string(a)
}

func resultMessage(a model.Action) string {
	switch a {
	case model.ActionConfirm:
		return "Thanks, your attendance is confirmed."
	case model.ActionReschedule:
		return "Thanks, we have noted that you want to reschedule."
	case model.ActionCancel:
		return "Thanks, we have noted that you will not attend."
	}
	return "Thanks, your response has been recorded."
}
