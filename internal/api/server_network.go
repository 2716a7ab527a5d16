package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/RenjiYuusei/Yuusei-DevTool/internal/controller"
	"github.com/RenjiYuusei/Yuusei-DevTool/internal/network"
)

type targetStatusOutput struct {
	Body struct {
		TargetID string `json:"target_id"`
		Status   string `json:"status"`
	}
}

func registerNetworkHandlers(api huma.API, svc Service) {
	type listOutput struct {
		Body controller.RequestList
	}
	huma.Register(api, huma.Operation{OperationID: "list-requests", Method: http.MethodGet, Path: "/api/v1/targets/{target_id}/network/requests", Summary: "List requests visible under the current filter", Tags: []string{"Network"}},
		func(ctx context.Context, input *targetIDInput) (*listOutput, error) {
			list, err := svc.ListRequests(input.TargetID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listOutput{}
			out.Body = list
			return out, nil
		})

	type filterInput struct {
		TargetID string `path:"target_id"`
		Body     struct {
			Category       string `json:"category,omitempty" required:"false" doc:"all, or a resource type such as Script, Image, Fetch"`
			Text           string `json:"text,omitempty" required:"false" doc:"Case-insensitive URL substring"`
			HideExtensions bool   `json:"hide_extensions,omitempty" required:"false" doc:"Hide chrome-extension:// and moz-extension:// requests"`
		}
	}
	type filterOutput struct {
		Body network.Filter
	}
	huma.Register(api, huma.Operation{OperationID: "set-filter", Method: http.MethodPut, Path: "/api/v1/targets/{target_id}/network/filter", Summary: "Set the request filter", Tags: []string{"Network"}},
		func(ctx context.Context, input *filterInput) (*filterOutput, error) {
			f, err := svc.SetFilter(input.TargetID, network.Filter{
				Category:       input.Body.Category,
				Text:           input.Body.Text,
				HideExtensions: input.Body.HideExtensions,
			})
			if err != nil {
				return nil, mapErr(err)
			}
			out := &filterOutput{}
			out.Body = f
			return out, nil
		})

	type preserveInput struct {
		TargetID string `path:"target_id"`
		Body     struct {
			Preserve bool `json:"preserve" doc:"Keep requests across top-frame navigations"`
		}
	}
	type preserveOutput struct {
		Body struct {
			TargetID string `json:"target_id"`
			Preserve bool   `json:"preserve"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "set-preserve", Method: http.MethodPut, Path: "/api/v1/targets/{target_id}/network/preserve", Summary: "Preserve the request log across navigations", Tags: []string{"Network"}},
		func(ctx context.Context, input *preserveInput) (*preserveOutput, error) {
			if err := svc.SetPreserve(input.TargetID, input.Body.Preserve); err != nil {
				return nil, mapErr(err)
			}
			out := &preserveOutput{}
			out.Body.TargetID = input.TargetID
			out.Body.Preserve = input.Body.Preserve
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "clear-requests", Method: http.MethodDelete, Path: "/api/v1/targets/{target_id}/network/requests", Summary: "Clear the request log", Tags: []string{"Network"}},
		func(ctx context.Context, input *targetIDInput) (*targetStatusOutput, error) {
			if err := svc.Clear(input.TargetID); err != nil {
				return nil, mapErr(err)
			}
			out := &targetStatusOutput{}
			out.Body.TargetID = input.TargetID
			out.Body.Status = "cleared"
			return out, nil
		})

	type detailOutput struct {
		Body network.Detail
	}
	huma.Register(api, huma.Operation{OperationID: "request-detail", Method: http.MethodGet, Path: "/api/v1/targets/{target_id}/network/requests/{request_id}", Summary: "Request detail with response body", Tags: []string{"Network"}},
		func(ctx context.Context, input *requestIDInput) (*detailOutput, error) {
			d, err := svc.FetchDetail(ctx, input.TargetID, input.RequestID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &detailOutput{}
			out.Body = d
			return out, nil
		})

	type rowOutput struct {
		Body controller.RequestRow
	}
	huma.Register(api, huma.Operation{OperationID: "request-row", Method: http.MethodGet, Path: "/api/v1/targets/{target_id}/network/requests/{request_id}/row", Summary: "One request row and its visibility under the filter", Tags: []string{"Network"}},
		func(ctx context.Context, input *requestIDInput) (*rowOutput, error) {
			row, err := svc.Row(input.TargetID, input.RequestID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &rowOutput{}
			out.Body = row
			return out, nil
		})

	type curlOutput struct {
		Body struct {
			RequestID string `json:"request_id"`
			Command   string `json:"command"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "request-curl", Method: http.MethodGet, Path: "/api/v1/targets/{target_id}/network/requests/{request_id}/curl", Summary: "Request as a curl command", Tags: []string{"Network"}},
		func(ctx context.Context, input *requestIDInput) (*curlOutput, error) {
			cmd, err := svc.ReplayCommand(input.TargetID, input.RequestID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &curlOutput{}
			out.Body.RequestID = input.RequestID
			out.Body.Command = cmd
			return out, nil
		})
}
