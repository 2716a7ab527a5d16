package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/RenjiYuusei/Yuusei-DevTool/internal/cdpcontrol"
	"github.com/RenjiYuusei/Yuusei-DevTool/internal/session"
)

func registerSessionHandlers(api huma.API, svc Service) {
	type targetsOutput struct {
		Body struct {
			Targets []cdpcontrol.TargetInfo `json:"targets"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-targets", Method: http.MethodGet, Path: "/api/v1/targets", Summary: "List debuggable page targets", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *struct{}) (*targetsOutput, error) {
			targets, err := svc.ListTargets(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &targetsOutput{}
			out.Body.Targets = targets
			return out, nil
		})

	type toggleOutput struct {
		Body struct {
			TargetID string `json:"target_id"`
			Attached bool   `json:"attached"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "toggle-session", Method: http.MethodPost, Path: "/api/v1/targets/{target_id}/toggle", Summary: "Attach or detach the debugging session of a target", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *targetIDInput) (*toggleOutput, error) {
			attached, err := svc.Toggle(ctx, input.TargetID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &toggleOutput{}
			out.Body.TargetID = input.TargetID
			out.Body.Attached = attached
			return out, nil
		})

	type statusOutput struct {
		Body struct {
			TargetID   string     `json:"target_id"`
			Attached   bool       `json:"attached"`
			WindowID   string     `json:"window_id,omitempty"`
			AttachedAt *time.Time `json:"attached_at,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "session-status", Method: http.MethodGet, Path: "/api/v1/targets/{target_id}/status", Summary: "Reconciled session status of a target", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *targetIDInput) (*statusOutput, error) {
			rec, attached, err := svc.Status(ctx, input.TargetID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &statusOutput{}
			out.Body.TargetID = input.TargetID
			out.Body.Attached = attached
			if attached {
				out.Body.WindowID = rec.WindowID
				out.Body.AttachedAt = &rec.AttachedAt
			}
			return out, nil
		})

	type sessionsOutput struct {
		Body struct {
			Sessions []session.Record `json:"sessions"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-sessions", Method: http.MethodGet, Path: "/api/v1/sessions", Summary: "List attached sessions", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *struct{}) (*sessionsOutput, error) {
			out := &sessionsOutput{}
			out.Body.Sessions = svc.Sessions()
			return out, nil
		})
}
