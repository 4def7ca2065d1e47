package killswitch

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ppiankov/shieldclaw/internal/model"
)

// ActivateRequest describes why the switch is engaged.
type ActivateRequest struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
	Actor  string `json:"actor"`
}

// Step is the outcome of one side effect.
type Step struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// ActivateResult reports the transition and its side effects.
type ActivateResult struct {
	State           model.KillSwitchState `json:"state"`
	AlreadyLocked   bool                  `json:"already_locked"`
	Marker          string                `json:"marker"`
	Steps           []Step                `json:"steps,omitempty"`
	Failures        []string              `json:"failures,omitempty"`
	NetworkGuidance []string              `json:"network_guidance,omitempty"`
}

func (r *ActivateResult) step(name string, err error, okDetail string) {
	if err != nil {
		r.Steps = append(r.Steps, Step{Name: name, Detail: err.Error()})
		r.Failures = append(r.Failures, name+": "+err.Error())
		return
	}
	r.Steps = append(r.Steps, Step{Name: name, OK: true, Detail: okDetail})
}

// Activate engages the switch. When the marker already exists it returns
// AlreadyLocked without a second journal record. Side effects run to
// completion even if ctx is cancelled; their failures are reported in the
// result, not as an error. The returned error is ErrStateConflict or a
// failure to create the marker or journal the transition.
func (s *Switch) Activate(ctx context.Context, req ActivateRequest) (ActivateResult, error) {
	if req.Actor == "" {
		req.Actor = "operator"
	}
	if req.Reason == "" {
		req.Reason = "unspecified"
	}
	res := ActivateResult{Marker: s.marker}

	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := s.acquire()
	if err != nil {
		res.State = s.Status()
		return res, err
	}
	defer release()

	f, err := os.OpenFile(s.marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			res.State = model.Locked
			res.AlreadyLocked = true
			s.logger.Info().Str("reason", req.Reason).Str("actor", req.Actor).Msg("activate ignored: already locked")
			return res, nil
		}
		res.State = s.Status()
		return res, fmt.Errorf("killswitch: create marker: %w", err)
	}
	_, werr := f.WriteString(markerContent(req, s.host))
	if serr := f.Sync(); werr == nil {
		werr = serr
	}
	f.Close()
	res.State = model.Locked
	if werr != nil {
		// The marker exists, so the state is LOCKED regardless of content.
		res.step("write marker", werr, "")
	}

	s.logger.Error().Str("reason", req.Reason).Str("actor", req.Actor).Msg("kill switch ENGAGED")

	bg := context.WithoutCancel(ctx)
	var journalErr error
	if err := s.record(model.IncidentRecord{
		EventType: model.EventKillSwitchActivated,
		Actor:     req.Actor,
		Reason:    req.Reason,
		Detail:    req.Detail,
	}); err != nil {
		journalErr = fmt.Errorf("killswitch: journal: %w", err)
		res.step("journal", err, "")
		s.logger.Error().Err(err).Msg("journal append failed")
	}

	if s.stopper != nil {
		err := withTimeout(bg, s.timeout, s.stopper.Stop)
		res.step("stop runtime", err, s.stopper.Describe())
		if err != nil {
			s.logger.Error().Err(err).Msg("runtime stop failed")
		}
	}

	if s.creds != nil && s.credName != "" {
		err := withTimeout(bg, s.timeout, func(context.Context) error {
			return s.creds.Deactivate(s.credName, req.Reason)
		})
		res.step("disable credential", err, s.credName+" inactive")
		if err != nil {
			s.logger.Error().Err(err).Str("credential", s.credName).Msg("credential disable failed")
		}
	}

	res.NetworkGuidance = NetworkGuidance
	s.notify(model.Locked)
	return res, journalErr
}

// UnlockRequest carries the operator's explicit confirmation.
type UnlockRequest struct {
	Confirm bool   `json:"confirm"`
	Actor   string `json:"actor"`
	Reason  string `json:"reason,omitempty"`
}

// UnlockResult reports the transition.
type UnlockResult struct {
	State     model.KillSwitchState `json:"state"`
	WasLocked bool                  `json:"was_locked"`
	Steps     []Step                `json:"steps,omitempty"`
}

// Unlock returns the switch to OPERATIONAL: restores the credential,
// removes the marker and journals killswitch_unlocked. Without Confirm it
// fails with ErrConfirmationRequired and changes nothing.
func (s *Switch) Unlock(ctx context.Context, req UnlockRequest) (UnlockResult, error) {
	if !req.Confirm {
		return UnlockResult{State: s.Status()}, ErrConfirmationRequired
	}
	if req.Actor == "" {
		req.Actor = "operator"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := s.acquire()
	if err != nil {
		return UnlockResult{State: s.Status()}, err
	}
	defer release()

	if s.Status() == model.Operational {
		return UnlockResult{State: model.Operational}, nil
	}
	res := UnlockResult{WasLocked: true}

	if s.creds != nil && s.credName != "" {
		err := withTimeout(context.WithoutCancel(ctx), s.timeout, func(context.Context) error {
			return s.creds.Activate(s.credName)
		})
		if err != nil {
			res.Steps = append(res.Steps, Step{Name: "restore credential", Detail: err.Error()})
			s.logger.Error().Err(err).Str("credential", s.credName).Msg("credential restore failed")
		} else {
			res.Steps = append(res.Steps, Step{Name: "restore credential", OK: true, Detail: s.credName + " active"})
		}
	}

	if err := os.Remove(s.marker); err != nil {
		res.State = s.Status()
		if errors.Is(err, os.ErrNotExist) {
			return res, fmt.Errorf("%w: marker removed concurrently", ErrStateConflict)
		}
		return res, fmt.Errorf("killswitch: remove marker: %w", err)
	}
	res.State = model.Operational

	reason := req.Reason
	if reason == "" {
		reason = "operator confirmed unlock"
	}
	s.logger.Warn().Str("actor", req.Actor).Msg("kill switch released")
	var journalErr error
	if err := s.record(model.IncidentRecord{
		EventType: model.EventKillSwitchUnlocked,
		Actor:     req.Actor,
		Reason:    reason,
	}); err != nil {
		journalErr = fmt.Errorf("killswitch: journal: %w", err)
		s.logger.Error().Err(err).Msg("journal append failed")
	}

	s.notify(model.Operational)
	return res, journalErr
}
