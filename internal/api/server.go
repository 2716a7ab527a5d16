// Package api exposes the session and network commands over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/RenjiYuusei/Yuusei-DevTool/internal/cdpcontrol"
	"github.com/RenjiYuusei/Yuusei-DevTool/internal/controller"
	"github.com/RenjiYuusei/Yuusei-DevTool/internal/network"
	"github.com/RenjiYuusei/Yuusei-DevTool/internal/session"
)

type Service interface {
	ListTargets(ctx context.Context) ([]cdpcontrol.TargetInfo, error)
	Toggle(ctx context.Context, targetID string) (bool, error)
	Status(ctx context.Context, targetID string) (session.Record, bool, error)
	Sessions() []session.Record
	ListRequests(targetID string) (controller.RequestList, error)
	Row(targetID, requestID string) (controller.RequestRow, error)
	SetFilter(targetID string, f network.Filter) (network.Filter, error)
	SetPreserve(targetID string, preserve bool) error
	Clear(targetID string) error
	FetchDetail(ctx context.Context, targetID, requestID string) (network.Detail, error)
	ReplayCommand(targetID, requestID string) (string, error)
}

type targetIDInput struct {
	TargetID string `path:"target_id" doc:"Page target id"`
}

type requestIDInput struct {
	TargetID  string `path:"target_id" doc:"Page target id"`
	RequestID string `path:"request_id" doc:"Network request id"`
}

// NewServer builds the HTTP handler. events, when non-nil, is mounted as the
// server-sent event feed.
func NewServer(svc Service, events http.Handler) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Yuusei DevTool API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		writeHTML(w, docsHTML)
	})
	router.Get("/viewer", func(w http.ResponseWriter, r *http.Request) {
		writeHTML(w, viewerHTML)
	})
	if events != nil {
		router.Get("/api/v1/events", events.ServeHTTP)
	}

	registerHealthHandlers(api)
	registerSessionHandlers(api, svc)
	registerNetworkHandlers(api, svc)

	return router
}

func writeHTML(w http.ResponseWriter, page string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(page)); err != nil {
		slog.Debug("html response write failed", "error", err)
	}
}

func registerHealthHandlers(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdpcontrol.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdpcontrol.CodeTargetNotFound, cdpcontrol.CodeRequestNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdpcontrol.CodeNotAttached, cdpcontrol.CodeAlreadyAttached:
			return huma.Error409Conflict(coded.Message)
		case cdpcontrol.CodeCDPUnavailable, cdpcontrol.CodeCommandFailed:
			return huma.Error502BadGateway(coded.Error())
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return huma.Error504GatewayTimeout(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}
