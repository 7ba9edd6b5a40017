package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spindle-dev/spindle/pkg/tools"
)

const httpBodyLimit = 1 << 20 // 1 MiB

// HTTP returns the http tool: a bounded GET/POST fetcher. The url argument
// is what the gate's domain lists inspect.
func HTTP() tools.Tool {
	client := &http.Client{Timeout: 30 * time.Second}
	return &tools.FuncTool{
		ToolID: "http",
		Desc:   "Fetch a URL via HTTP GET or POST and return status, content type, and body.",
		Schema: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"url":    {Type: "string", Description: "URL to fetch"},
				"method": {Type: "string", Description: "HTTP method", Enum: []any{"GET", "POST"}},
				"body":   {Type: "string", Description: "Request body for POST"},
			},
			Required: []string{"url"},
		}),
		Fn: func(ctx context.Context, args map[string]any) tools.Result {
			url, _ := args["url"].(string)
			method, _ := args["method"].(string)
			if method == "" {
				method = http.MethodGet
			}

			var body io.Reader
			if b, ok := args["body"].(string); ok && b != "" {
				body = strings.NewReader(b)
			}

			req, err := http.NewRequestWithContext(ctx, method, url, body)
			if err != nil {
				return tools.Fail(err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return tools.Fail(err)
			}
			defer resp.Body.Close()

			raw, err := io.ReadAll(io.LimitReader(resp.Body, httpBodyLimit))
			if err != nil {
				return tools.Fail(fmt.Errorf("read body: %w", err))
			}

			return tools.OkJSON(map[string]any{
				"status":       resp.StatusCode,
				"content_type": resp.Header.Get("Content-Type"),
				"body":         string(raw),
			})
		},
	}
}
