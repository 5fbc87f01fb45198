// Package builtin provides the built-in tools offered to the model on
// tool-enabled routes: web search, user fact recall, and task creation.
//
// Each constructor binds the tool to its backend and, where relevant, to
// the requesting user, and returns a [tools.Tool] ready for registration.
// All handlers are safe for concurrent use.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/selenehq/selene/internal/stream"
	"github.com/selenehq/selene/internal/tools"
	"github.com/selenehq/selene/pkg/types"
)

// SearchResult is one hit returned by a [Searcher].
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// Searcher is the web search backend consumed by the web_search tool.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// FactStore resolves durable user facts for the get_user_facts tool.
type FactStore interface {
	Facts(ctx context.Context, userID string) (map[string]string, error)
}

// Task is a to-do item created through the create_task tool.
type Task struct {
	ID    string
	Title string
	Notes string
	Due   time.Time
}

// TaskStore persists tasks for the create_task tool.
type TaskStore interface {
	CreateTask(ctx context.Context, userID string, t Task) (Task, error)
}

// webSearchArgs is the JSON-decoded input for the "web_search" tool.
type webSearchArgs struct {
	// Query is the search query text.
	Query string `json:"query"`
}

// NewWebSearch returns the "web_search" tool backed by s. limit bounds the
// number of results fed back to the model; values below 1 default to 5.
func NewWebSearch(s Searcher, limit int) tools.Tool {
	if limit < 1 {
		limit = 5
	}
	return tools.Func{
		Def: types.ToolDefinition{
			Name:        "web_search",
			Description: "Search the web and return the top results with titles, URLs, and snippets. Use this for current events and anything outside your knowledge.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query.",
					},
				},
				"required": []string{"query"},
			},
		},
		Handler: func(ctx context.Context, args string) (tools.Result, error) {
			var a webSearchArgs
			if err := json.Unmarshal([]byte(args), &a); err != nil {
				return tools.Result{}, fmt.Errorf("web_search: parse arguments: %w", err)
			}
			if strings.TrimSpace(a.Query) == "" {
				return tools.Result{}, fmt.Errorf("web_search: query must not be empty")
			}

			results, err := s.Search(ctx, a.Query, limit)
			if err != nil {
				return tools.Result{}, fmt.Errorf("web_search: %w", err)
			}
			if len(results) == 0 {
				return tools.Result{Content: "No search results found."}, nil
			}

			var sb strings.Builder
			for i, r := range results {
				fmt.Fprintf(&sb, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
			}
			return tools.Result{Content: strings.TrimSpace(sb.String())}, nil
		},
	}
}

// NewUserFacts returns the "get_user_facts" tool bound to userID. The user
// binding happens at registry construction so the model cannot request
// another user's facts.
func NewUserFacts(store FactStore, userID string) tools.Tool {
	return tools.Func{
		Def: types.ToolDefinition{
			Name:        "get_user_facts",
			Description: "Retrieve the durable facts known about the current user (preferences, important dates, ongoing projects).",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		Handler: func(ctx context.Context, _ string) (tools.Result, error) {
			facts, err := store.Facts(ctx, userID)
			if err != nil {
				return tools.Result{}, fmt.Errorf("get_user_facts: %w", err)
			}
			if len(facts) == 0 {
				return tools.Result{Content: "No facts are stored for this user yet."}, nil
			}

			keys := make([]string, 0, len(facts))
			for k := range facts {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			var sb strings.Builder
			for _, k := range keys {
				fmt.Fprintf(&sb, "%s: %s\n", k, facts[k])
			}
			return tools.Result{Content: strings.TrimSpace(sb.String())}, nil
		},
	}
}

// createTaskArgs is the JSON-decoded input for the "create_task" tool.
type createTaskArgs struct {
	// Title is the task title.
	Title string `json:"title"`

	// Notes is optional free-text detail.
	Notes string `json:"notes"`

	// Due is an optional RFC 3339 due timestamp.
	Due string `json:"due"`
}

// NewCreateTask returns the "create_task" tool bound to userID. A
// successful creation carries a refresh_panel side-channel action so the UI
// can update its task list without waiting for the model's prose.
func NewCreateTask(store TaskStore, userID string) tools.Tool {
	return tools.Func{
		Def: types.ToolDefinition{
			Name:        "create_task",
			Description: "Create a to-do task for the user. Use when the user asks to be reminded of something or to track a piece of work.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title": map[string]any{
						"type":        "string",
						"description": "Short task title.",
					},
					"notes": map[string]any{
						"type":        "string",
						"description": "Optional details.",
					},
					"due": map[string]any{
						"type":        "string",
						"description": "Optional due time in RFC 3339 format.",
					},
				},
				"required": []string{"title"},
			},
		},
		Handler: func(ctx context.Context, args string) (tools.Result, error) {
			var a createTaskArgs
			if err := json.Unmarshal([]byte(args), &a); err != nil {
				return tools.Result{}, fmt.Errorf("create_task: parse arguments: %w", err)
			}
			if strings.TrimSpace(a.Title) == "" {
				return tools.Result{}, fmt.Errorf("create_task: title must not be empty")
			}

			task := Task{Title: a.Title, Notes: a.Notes}
			if a.Due != "" {
				due, err := time.Parse(time.RFC3339, a.Due)
				if err != nil {
					return tools.Result{}, fmt.Errorf("create_task: invalid due time %q: %w", a.Due, err)
				}
				task.Due = due
			}

			created, err := store.CreateTask(ctx, userID, task)
			if err != nil {
				return tools.Result{}, fmt.Errorf("create_task: %w", err)
			}

			content := fmt.Sprintf("Created task %q (id %s).", created.Title, created.ID)
			if !created.Due.IsZero() {
				content = fmt.Sprintf("Created task %q (id %s), due %s.", created.Title, created.ID, created.Due.Format(time.RFC3339))
			}
			return tools.Result{
				Content: content,
				Action: &stream.Action{
					Kind:    stream.ActionRefreshPanel,
					Payload: map[string]any{"panel": "tasks"},
				},
			}, nil
		},
	}
}
