package bridge

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tasknexus/mcp-bridge/pkg/clientcache"
	"github.com/tasknexus/mcp-bridge/pkg/handlerutils"
	"github.com/tasknexus/mcp-bridge/pkg/oauth/validate"
	"github.com/tasknexus/mcp-bridge/pkg/pipeline"
	"github.com/tasknexus/mcp-bridge/pkg/upstream"
)

// toolArgs covers the argument shapes of every tool; each tool reads only the
// fields it needs.
type toolArgs struct {
	ID          string `json:"id"`
	ObjectiveID string `json:"objective_id"`
	Title       string `json:"title"`
	AssigneeID  string `json:"assignee_id"`
	DueDate     string `json:"due_date"`
	Status      string `json:"status"`
}

type toolError struct {
	Error string `json:"error"`
}

// toolHandler dispatches POST /tools/{tool}. The acting user always comes
// from the verified token, never from the request body.
func (s *Server) toolHandler(w http.ResponseWriter, r *http.Request) {
	info := validate.TokenInfoFromContext(r.Context())
	if info == nil {
		handlerutils.JSON(w, http.StatusUnauthorized, toolError{Error: "missing token"})
		return
	}

	var args toolArgs
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			handlerutils.JSON(w, http.StatusBadRequest, toolError{Error: "request body must be valid JSON"})
			return
		}
	}

	client, err := s.cache.GetOrCreate(info.UserID)
	if err != nil {
		if errors.Is(err, clientcache.ErrNotAuthenticated) {
			handlerutils.JSON(w, http.StatusForbidden, toolError{
				Error: "no stored credential for this account; reauthorize to connect it",
			})
			return
		}
		s.log.WithError(err).WithField("user_id", info.UserID).Error("failed to build upstream client")
		handlerutils.JSON(w, http.StatusInternalServerError, toolError{Error: "internal error"})
		return
	}

	toolName := r.PathValue("tool")
	result, err := s.runTool(r, client, toolName, args)
	if err != nil {
		s.writeToolError(w, info.UserID, toolName, err)
		return
	}
	handlerutils.JSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) runTool(r *http.Request, client *upstream.Client, tool string, args toolArgs) (any, error) {
	ctx := r.Context()
	switch tool {
	case "whoami":
		return client.Whoami(ctx)
	case "list_objectives":
		return client.ListObjectives(ctx)
	case "get_objective":
		if args.ID == "" {
			return nil, pipeline.Invalid("get_objective", "id is required")
		}
		return client.GetObjective(ctx, args.ID)
	case "list_tasks":
		return client.ListTasks(ctx, args.ObjectiveID)
	case "create_task":
		if args.ObjectiveID == "" || args.Title == "" {
			return nil, pipeline.Invalid("create_task", "objective_id and title are required")
		}
		return client.CreateTask(ctx, upstream.TaskInput{
			ObjectiveID: args.ObjectiveID,
			Title:       args.Title,
			AssigneeID:  args.AssigneeID,
			DueDate:     args.DueDate,
		})
	case "update_task_status":
		if args.ID == "" || args.Status == "" {
			return nil, pipeline.Invalid("update_task_status", "id and status are required")
		}
		return client.UpdateTaskStatus(ctx, args.ID, args.Status)
	default:
		return nil, pipeline.Invalid("tools", "unknown tool: "+tool)
	}
}

// writeToolError maps pipeline error kinds onto HTTP statuses. Only the
// user-safe hint crosses the wire; diagnostics stay in the logs.
func (s *Server) writeToolError(w http.ResponseWriter, userID, tool string, err error) {
	kind := pipeline.KindOf(err)
	s.log.WithError(err).WithFields(logrus.Fields{
		"user_id": userID,
		"tool":    tool,
		"kind":    kind.String(),
	}).Warn("tool call failed")

	status := http.StatusBadGateway
	switch kind {
	case pipeline.KindInvalid:
		status = http.StatusBadRequest
	case pipeline.KindAuth:
		// The stored upstream credential no longer works. Drop the cached
		// client so a fresh login rebuilds it.
		s.cache.Invalidate(userID)
		status = http.StatusForbidden
	case pipeline.KindNotFound:
		status = http.StatusNotFound
	case pipeline.KindRateLimited:
		status = http.StatusTooManyRequests
	case pipeline.KindUnavailable:
		status = http.StatusServiceUnavailable
	}

	var pErr *pipeline.Error
	msg := "upstream call failed"
	if errors.As(err, &pErr) && pErr.Hint != "" {
		msg = pErr.Hint
	}
	handlerutils.JSON(w, status, toolError{Error: msg})
}
