// Package response turns inbound key presses and RSVP clicks into user
// responses. A verified response closes its job and cancels every other
// scheduled reminder for the event in a single transaction.
package response

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nhle/notify-engine/internal/audit"
	"github.com/nhle/notify-engine/internal/model"
	"github.com/nhle/notify-engine/internal/scheduler"
	"github.com/nhle/notify-engine/internal/store"
	"github.com/nhle/notify-engine/internal/vault"
)

// Verifier checks and redeems action tokens.
type Verifier interface {
	PeekActionToken(token string) (model.ActionClaims, error)
	RedeemActionToken(ctx context.Context, token string, nonces vault.NonceStore) (model.ActionClaims, error)
}

var (
	// errJobClosed aborts the transaction when the job can no longer take a
	// response.
	errJobClosed = errors.New("job no longer accepts responses")

	errTokenRedeemed = errors.New("token already used")
)

// Handler validates and applies user responses.
type Handler struct {
	store    store.Store
	tokens   Verifier
	audit    audit.Sink
	txNonces bool
	now      func() time.Time
	log      *logrus.Entry
}

// NewHandler creates a response handler.
func NewHandler(s store.Store, tokens Verifier, sink audit.Sink, log *logrus.Entry) *Handler {
	if sink == nil {
		sink = audit.Nop{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{store: s, tokens: tokens, audit: sink, now: time.Now, log: log.WithField("component", "response")}
}

// SetClock overrides the time source.
func (h *Handler) SetClock(now func() time.Time) {
	h.now = now
}

// SetTxNonces makes the handler consume token nonces in the response
// transaction, so a failed commit leaves the link usable. Enable it only
// when the vault keeps its nonces in the handler's store. Otherwise the
// nonce is consumed before the transaction and a failed commit burns the
// link.
func (h *Handler) SetTxNonces(on bool) {
	h.txNonces = on
}

// HandleDtmf handles a key pressed during the call callRef. Digits other
// than 1, 2 and 3 are rejected without consuming the call's token, so the
// caller can be prompted again.
func (h *Handler) HandleDtmf(ctx context.Context, callRef, digit string) model.UserResponse {
	rejected := h.rejected(model.ChannelCall)

	action, ok := model.ActionForDigit(digit)
	if !ok {
		h.log.WithFields(logrus.Fields{"call_ref": callRef, "digit": digit}).Debug("unmapped digit")
		return rejected
	}

	session, err := h.store.GetCallSession(ctx, callRef)
	if err != nil {
		h.invalid(ctx, model.ChannelCall, "", fmt.Sprintf("call session %s: %v", callRef, err))
		return rejected
	}
	if session.Responded {
		h.invalid(ctx, model.ChannelCall, session.JobID, "call already answered")
		return rejected
	}

	claims, err := h.tokens.PeekActionToken(session.Token)
	if err != nil {
		h.invalid(ctx, model.ChannelCall, session.JobID, "call token rejected")
		return rejected
	}
	if claims.JobID != session.JobID || !claims.Allows(action) {
		h.invalid(ctx, model.ChannelCall, session.JobID, "call token does not match session")
		return rejected
	}

	return h.commit(ctx, session.Token, claims.JobID, action, model.ChannelCall, callRef)
}

// HandleRsvp handles an RSVP link. Each link carries exactly one action.
func (h *Handler) HandleRsvp(ctx context.Context, token string) model.UserResponse {
	rejected := h.rejected(model.ChannelEmail)

	claims, err := h.tokens.PeekActionToken(token)
	if err != nil {
		h.invalid(ctx, model.ChannelEmail, "", "rsvp token rejected")
		return rejected
	}
	if len(claims.Actions) != 1 {
		h.invalid(ctx, model.ChannelEmail, claims.JobID, "rsvp token must carry one action")
		return rejected
	}

	return h.commit(ctx, token, claims.JobID, claims.Actions[0], model.ChannelEmail, "")
}

// commit redeems token, records the response, closes the originating job
// with the action and cancels the event's other pending reminders, all or
// nothing.
func (h *Handler) commit(
	ctx context.Context,
	token string,
	jobID string,
	action model.Action,
	ch model.Channel,
	callRef string,
) model.UserResponse {
	resp := model.UserResponse{
		ID:         uuid.New().String(),
		JobID:      jobID,
		Action:     action,
		Channel:    ch,
		Result:     model.ResponseAccepted,
		ReceivedAt: h.now().UTC(),
	}

	if !h.txNonces {
		if _, err := h.tokens.RedeemActionToken(ctx, token, nil); err != nil {
			h.invalid(ctx, ch, jobID, errTokenRedeemed.Error())
			return h.rejected(ch)
		}
	}

	err := h.store.WithTx(ctx, func(tx store.Store) error {
		if h.txNonces {
			if _, err := h.tokens.RedeemActionToken(ctx, token, tx); err != nil {
				return errTokenRedeemed
			}
		}

		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.RespondedAction != "" {
			return errJobClosed
		}
		resp.EventID = job.EventID
		resp.EventVersion = job.EventVersion

		won, err := tx.TransitionJob(ctx, jobID,
			[]model.JobStatus{model.JobInFlight, model.JobDelivered, model.JobDue},
			store.JobUpdate{Status: model.JobDelivered, RespondedAction: &action})
		if err != nil {
			return err
		}
		if !won {
			return errJobClosed
		}

		if callRef != "" {
			if err := tx.MarkCallResponded(ctx, callRef); err != nil {
				return err
			}
		}

		n, err := scheduler.CancelEvent(ctx, tx, job.EventID, jobID, "user responded: "+string(action))
		if err != nil {
			return err
		}
		resp.Cancelled = n

		return tx.InsertResponse(ctx, resp)
	})
	if err != nil {
		if errors.Is(err, errJobClosed) || errors.Is(err, errTokenRedeemed) || errors.Is(err, store.ErrNotFound) {
			h.invalid(ctx, ch, jobID, err.Error())
		} else {
			h.log.WithError(err).WithField("job_id", jobID).Error("recording response")
		}
		return h.rejected(ch)
	}

	h.audit.Record(ctx, audit.Event{
		Type: audit.UserResponded, JobID: jobID, EventID: resp.EventID,
		Channel: ch, Action: action, At: resp.ReceivedAt,
		Detail: fmt.Sprintf("%d reminders cancelled", resp.Cancelled),
	})
	return resp
}

func (h *Handler) rejected(ch model.Channel) model.UserResponse {
	return model.UserResponse{Channel: ch, Result: model.ResponseRejected, ReceivedAt: h.now().UTC()}
}

func (h *Handler) invalid(ctx context.Context, ch model.Channel, jobID, detail string) {
	h.audit.Record(ctx, audit.Event{
		Type: audit.TokenInvalid, JobID: jobID, Channel: ch, Detail: detail, At: h.now().UTC(),
	})
}
