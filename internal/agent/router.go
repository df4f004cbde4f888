package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/rahul/phonepilot/internal/governance"
	"github.com/rahul/phonepilot/internal/observability"
)

// ErrNoMatch is reported by a capability that found nothing to act on.
var ErrNoMatch = errors.New("no matching element")

// Automation is the capability set of a controlled surface.
type Automation interface {
	TapByText(ctx context.Context, text string) error
	TapByDescription(ctx context.Context, description string) error
	TapAt(ctx context.Context, x, y float64) error
	TypeText(ctx context.Context, text string) error
	ScrollUp(ctx context.Context) error
	ScrollDown(ctx context.Context) error
	SwipeLeft(ctx context.Context) error
	SwipeRight(ctx context.Context) error
	OpenApp(ctx context.Context, packageName string) error
	PressBack(ctx context.Context) error
	PressHome(ctx context.Context) error
}

// Capability names reported in DispatchResult.
const (
	CapTapByText        = "tap_by_text"
	CapTapByDescription = "tap_by_description"
	CapTapAt            = "tap_at_coordinates"
	CapTypeText         = "type_text"
	CapScrollUp         = "scroll_up"
	CapScrollDown       = "scroll_down"
	CapSwipeLeft        = "swipe_left"
	CapSwipeRight       = "swipe_right"
	CapOpenApp          = "open_app"
	CapPressBack        = "press_back"
	CapPressHome        = "press_home"
)

// DispatchStatus is the outcome of routing one decision.
type DispatchStatus string

const (
	DispatchOK       DispatchStatus = "ok"
	DispatchNotFound DispatchStatus = "not_found"
	DispatchFailed   DispatchStatus = "failed"
	DispatchSkipped  DispatchStatus = "skipped"
	DispatchDenied   DispatchStatus = "denied"
	DispatchIgnored  DispatchStatus = "ignored"
)

// DispatchResult reports what the router did. It is informational only.
type DispatchResult struct {
	Action     string
	Capability string
	Status     DispatchStatus
	Err        error
}

// Dispatcher executes a decision against the surface.
type Dispatcher interface {
	Dispatch(ctx context.Context, d Decision) DispatchResult
}

var coordRe = regexp.MustCompile(`[(\[]?(\d+)[,\s]+(\d+)[)\]]?`)

// ParseCoordinates extracts an "(x, y)" style pair from a target.
func ParseCoordinates(target string) (x, y float64, ok bool) {
	m := coordRe.FindStringSubmatch(target)
	if m == nil {
		return 0, 0, false
	}
	x, errX := strconv.ParseFloat(m[1], 64)
	y, errY := strconv.ParseFloat(m[2], 64)
	if errX != nil || errY != nil {
		return 0, 0, false
	}
	return x, y, true
}

// ActionRouter maps an action verb to at most one capability call. All
// capability failures are swallowed; the next observation is the feedback.
type ActionRouter struct {
	Automation Automation
	Policy     governance.PolicyEngine
	Logger     *observability.Logger
}

func NewActionRouter(automation Automation, policy governance.PolicyEngine, logger *observability.Logger) *ActionRouter {
	return &ActionRouter{Automation: automation, Policy: policy, Logger: logger}
}

func (r *ActionRouter) Dispatch(ctx context.Context, d Decision) DispatchResult {
	res := r.dispatch(ctx, d)
	if res.Err != nil {
		log.Printf("[Router] %s via %s: %s (%v)", res.Action, res.Capability, res.Status, res.Err)
	}
	if r.Logger != nil {
		r.Logger.LogAction(res.Action, res.Capability, string(res.Status), d.Target, res.Err)
	}
	return res
}

func (r *ActionRouter) dispatch(ctx context.Context, d Decision) (res DispatchResult) {
	action := strings.ToLower(d.Action)
	res = DispatchResult{Action: action}

	defer func() {
		if p := recover(); p != nil {
			res.Status = DispatchFailed
			res.Err = fmt.Errorf("capability panicked: %v", p)
		}
	}()

	if r.Automation == nil {
		res.Status = DispatchSkipped
		res.Err = errors.New("automation provider not available")
		return res
	}

	if r.Policy != nil {
		verdict, err := r.Policy.Evaluate(ctx, governance.Request{
			Action:    action,
			Arguments: strings.Join([]string{d.Target, d.Text, d.PackageName}, "\n"),
		})
		if err == nil && verdict.Effect == governance.EffectDeny {
			if r.Logger != nil {
				r.Logger.LogPolicyCheck(action, string(verdict.Effect), verdict.Reason)
			}
			res.Status = DispatchDenied
			res.Err = fmt.Errorf("denied: %s", verdict.Reason)
			return res
		}
	}

	a := r.Automation
	switch action {
	case ActionTap:
		if x, y, ok := ParseCoordinates(d.Target); ok {
			return r.call(res, CapTapAt, a.TapAt(ctx, x, y))
		}
		err := a.TapByText(ctx, d.Target)
		if errors.Is(err, ErrNoMatch) {
			return r.call(res, CapTapByDescription, a.TapByDescription(ctx, d.Target))
		}
		return r.call(res, CapTapByText, err)

	case ActionType:
		if d.Text == "" {
			res.Capability = CapTypeText
			res.Status = DispatchSkipped
			return res
		}
		return r.call(res, CapTypeText, a.TypeText(ctx, d.Text))

	case ActionOpenApp:
		if d.PackageName != "" {
			return r.call(res, CapOpenApp, a.OpenApp(ctx, d.PackageName))
		}
		return r.call(res, CapTapByText, a.TapByText(ctx, d.Target))

	case ActionScrollDown:
		return r.call(res, CapScrollDown, a.ScrollDown(ctx))
	case ActionScrollUp:
		return r.call(res, CapScrollUp, a.ScrollUp(ctx))
	case ActionSwipeLeft:
		return r.call(res, CapSwipeLeft, a.SwipeLeft(ctx))
	case ActionSwipeRight:
		return r.call(res, CapSwipeRight, a.SwipeRight(ctx))
	case ActionPressBack:
		return r.call(res, CapPressBack, a.PressBack(ctx))
	case ActionPressHome:
		return r.call(res, CapPressHome, a.PressHome(ctx))

	default:
		log.Printf("[Router] Unknown action: %s", d.Action)
		res.Status = DispatchIgnored
		return res
	}
}

func (r *ActionRouter) call(res DispatchResult, capability string, err error) DispatchResult {
	res.Capability = capability
	switch {
	case err == nil:
		res.Status = DispatchOK
	case errors.Is(err, ErrNoMatch):
		res.Status = DispatchNotFound
		res.Err = err
	default:
		res.Status = DispatchFailed
		res.Err = err
	}
	return res
}
