package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Tool error codes returned inside failure envelopes.
const (
	codeUnknownTool  = "TOOL_UNKNOWN"
	codeBadArgs      = "TOOL_BAD_ARGS"
	codeItemNotFound = "ITEM_NOT_FOUND"
	codeJobNotFound  = "JOB_NOT_FOUND"
	codeToolFailed   = "TOOL_FAILED"
)

type toolError struct {
	code    string
	message string
}

func (e *toolError) Error() string {
	return e.code + ": " + e.message
}

func failTool(code, format string, args ...any) error {
	return &toolError{code: code, message: fmt.Sprintf(format, args...)}
}

// dispatch executes one verified tool call and returns its data payload.
func (s *Server) dispatch(ctx context.Context, toolName string, body []byte) (any, error) {
	var args map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			return nil, failTool(codeBadArgs, "arguments must be a JSON object: %v", err)
		}
	}

	switch toolName {
	case "site.env.get":
		return s.siteEnv(), nil
	case "content.inventory.list":
		return s.inventory(ctx)
	case "seo.config.get":
		return s.seoConfig(), nil
	case "content.item.create":
		return s.createItem(ctx, args)
	case "content.bulk.schedule":
		return s.scheduleBulk(ctx, args)
	case "content.item.delete":
		return s.deleteItem(ctx, args)
	case "content.bulk.cancel":
		return s.cancelJob(ctx, args)
	default:
		return nil, failTool(codeUnknownTool, "no tool named %q", toolName)
	}
}

func (s *Server) siteEnv() any {
	return map[string]any{
		"site_name": s.cfg.SiteName,
		"theme":     s.cfg.Theme,
		"locale":    s.cfg.Locale,
		"timezone":  s.cfg.Timezone,
	}
}

func (s *Server) inventory(ctx context.Context) (any, error) {
	items, err := s.content.ListItems(ctx, 100)
	if err != nil {
		return nil, failTool(codeToolFailed, "list items: %v", err)
	}
	return map[string]any{
		"total": len(items),
		"items": items,
	}, nil
}

func (s *Server) seoConfig() any {
	return map[string]any{
		"provider":        s.cfg.SEOProvider,
		"sitemap_enabled": true,
		"canonical_base":  s.cfg.CanonicalBase,
	}
}

func (s *Server) createItem(ctx context.Context, args map[string]any) (any, error) {
	item := &ContentItem{
		Page:   stringArg(args, "page"),
		Title:  stringArg(args, "title"),
		PlanID: stringArg(args, "plan_id"),
		RunID:  stringArg(args, "run_id"),
	}
	if err := s.content.CreateItem(ctx, item); err != nil {
		return nil, failTool(codeToolFailed, "create item: %v", err)
	}
	return map[string]any{"item_id": item.ID, "status": item.Status}, nil
}

func (s *Server) scheduleBulk(ctx context.Context, args map[string]any) (any, error) {
	pages := stringSliceArg(args, "pages")
	if len(pages) == 0 {
		return nil, failTool(codeBadArgs, "pages must be a non-empty array")
	}
	if s.cfg.MaxBulkSize > 0 && len(pages) > s.cfg.MaxBulkSize {
		return nil, failTool(codeBadArgs, "%d pages requested, host bulk ceiling is %d", len(pages), s.cfg.MaxBulkSize)
	}
	job := &BulkJob{
		Pages:  pages,
		PlanID: stringArg(args, "plan_id"),
		RunID:  stringArg(args, "run_id"),
	}
	if err := s.content.CreateJob(ctx, job); err != nil {
		return nil, failTool(codeToolFailed, "schedule job: %v", err)
	}
	return map[string]any{"job_id": job.ID, "status": job.Status, "pages": len(pages)}, nil
}

func (s *Server) deleteItem(ctx context.Context, args map[string]any) (any, error) {
	itemID := stringArg(args, "item_id")
	if itemID == "" {
		return nil, failTool(codeBadArgs, "item_id required")
	}
	if err := s.content.DeleteItem(ctx, itemID); err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return nil, failTool(codeItemNotFound, "item %s not found", itemID)
		}
		return nil, failTool(codeToolFailed, "delete item: %v", err)
	}
	return map[string]any{"item_id": itemID, "deleted": true}, nil
}

func (s *Server) cancelJob(ctx context.Context, args map[string]any) (any, error) {
	jobID := stringArg(args, "job_id")
	if jobID == "" {
		return nil, failTool(codeBadArgs, "job_id required")
	}
	if err := s.content.CancelJob(ctx, jobID); err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, failTool(codeJobNotFound, "job %s not found", jobID)
		}
		return nil, failTool(codeToolFailed, "cancel job: %v", err)
	}
	return map[string]any{"job_id": jobID, "status": "cancelled"}, nil
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, _ := args[key].(string)
	return v
}

func stringSliceArg(args map[string]any, key string) []string {
	if args == nil {
		return nil
	}
	raw, _ := args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}
