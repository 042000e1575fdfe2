// Package mcptools exposes user administration as MCP tools so operators can
// manage accounts from an MCP capable client.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/users"
)

// ServerName is announced to MCP clients.
const ServerName = "solves-admin"

// Version is set at build time via ldflags.
var Version = "dev"

// Tools implements the user management tools.
type Tools struct {
	users *users.Service
	log   *slog.Logger
}

// New returns the tool set backed by us.
func New(us *users.Service, log *slog.Logger) *Tools {
	if log == nil {
		log = slog.Default()
	}
	return &Tools{users: us, log: log}
}

// NewServer creates the MCP server with every tool registered.
func NewServer(t *Tools) *server.MCPServer {
	s := server.NewMCPServer(
		ServerName,
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Manage solves user accounts: list, inspect, create, change roles, ban and delete users."),
	)
	s.AddTool(listUsersTool(), t.listUsers)
	s.AddTool(getUserTool(), t.getUser)
	s.AddTool(createUserTool(), t.createUser)
	s.AddTool(setRoleTool(), t.setRole)
	s.AddTool(banUserTool(), t.banUser)
	s.AddTool(unbanUserTool(), t.unbanUser)
	s.AddTool(deleteUserTool(), t.deleteUser)
	return s
}

func listUsersTool() mcp.Tool {
	return mcp.NewTool("list_users",
		mcp.WithDescription("List users, newest first. Filters are optional."),
		mcp.WithString("search", mcp.Description("Case-insensitive match on email or name")),
		mcp.WithString("role", mcp.Description("Only users with this role"), mcp.Enum(users.RoleUser, users.RoleAdmin)),
		mcp.WithNumber("limit", mcp.Description("Page size, 1 to 100 (default 20)")),
		mcp.WithNumber("offset", mcp.Description("Number of users to skip")),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

func getUserTool() mcp.Tool {
	return mcp.NewTool("get_user",
		mcp.WithDescription("Get one user by id or by email."),
		mcp.WithString("id", mcp.Description("User id")),
		mcp.WithString("email", mcp.Description("User email, used when id is empty")),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

func createUserTool() mcp.Tool {
	return mcp.NewTool("create_user",
		mcp.WithDescription("Create a user account."),
		mcp.WithString("email", mcp.Required()),
		mcp.WithString("name", mcp.Required()),
		mcp.WithString("password", mcp.Required(), mcp.Description("At least 8 characters with a letter and a digit")),
		mcp.WithString("role", mcp.Enum(users.RoleUser, users.RoleAdmin), mcp.DefaultString(users.RoleUser)),
	)
}

func setRoleTool() mcp.Tool {
	return mcp.NewTool("set_user_role",
		mcp.WithDescription("Change the role of a user."),
		mcp.WithString("id", mcp.Required()),
		mcp.WithString("role", mcp.Required(), mcp.Enum(users.RoleUser, users.RoleAdmin)),
		mcp.WithIdempotentHintAnnotation(true),
	)
}

func banUserTool() mcp.Tool {
	return mcp.NewTool("ban_user",
		mcp.WithDescription("Ban a user. Without days the ban is permanent."),
		mcp.WithString("id", mcp.Required()),
		mcp.WithString("reason", mcp.Description("Shown to the user when signing in")),
		mcp.WithNumber("days", mcp.Description("Ban length in days"), mcp.Min(0), mcp.Max(users.MaxBanDays)),
	)
}

func unbanUserTool() mcp.Tool {
	return mcp.NewTool("unban_user",
		mcp.WithDescription("Lift the ban of a user."),
		mcp.WithString("id", mcp.Required()),
		mcp.WithIdempotentHintAnnotation(true),
	)
}

func deleteUserTool() mcp.Tool {
	return mcp.NewTool("delete_user",
		mcp.WithDescription("Delete a user account permanently."),
		mcp.WithString("id", mcp.Required()),
		mcp.WithDestructiveHintAnnotation(true),
	)
}

func (t *Tools) listUsers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	page, err := t.users.List(ctx, users.Query{
		Search: req.GetString("search", ""),
		Role:   req.GetString("role", ""),
		Limit:  req.GetInt("limit", 0),
		Offset: req.GetInt("offset", 0),
	})
	return t.result(ctx, "list_users", page, err)
}

func (t *Tools) getUser(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("id", "")
	email := req.GetString("email", "")
	switch {
	case id != "":
		u, err := t.users.Get(ctx, id)
		return t.result(ctx, "get_user", u, err)
	case email != "":
		u, err := t.users.GetByEmail(ctx, email)
		return t.result(ctx, "get_user", u, err)
	default:
		return mcp.NewToolResultError("either id or email is required"), nil
	}
}

func (t *Tools) createUser(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	u, err := t.users.Create(ctx, users.CreateInput{
		Email:    req.GetString("email", ""),
		Name:     req.GetString("name", ""),
		Password: req.GetString("password", ""),
		Role:     req.GetString("role", users.RoleUser),
	})
	return t.result(ctx, "create_user", u, err)
}

func (t *Tools) setRole(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	role, err := req.RequireString("role")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if isSelf(ctx, id) && role != users.RoleAdmin {
		return mcp.NewToolResultError("you cannot remove your own admin role"), nil
	}
	u, err := t.users.SetRole(ctx, id, role)
	return t.result(ctx, "set_user_role", u, err)
}

func (t *Tools) banUser(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if isSelf(ctx, id) {
		return mcp.NewToolResultError("you cannot ban your own account"), nil
	}
	days := req.GetInt("days", 0)
	if days < 0 || days > users.MaxBanDays {
		return mcp.NewToolResultError(fmt.Sprintf("days must be between 0 and %d", users.MaxBanDays)), nil
	}
	var until *time.Time
	if days > 0 {
		end := t.users.Now().Add(time.Duration(days) * 24 * time.Hour)
		until = &end
	}
	u, err := t.users.Ban(ctx, id, req.GetString("reason", ""), until)
	return t.result(ctx, "ban_user", u, err)
}

func (t *Tools) unbanUser(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	u, err := t.users.Unban(ctx, id)
	return t.result(ctx, "unban_user", u, err)
}

func (t *Tools) deleteUser(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if isSelf(ctx, id) {
		return mcp.NewToolResultError("you cannot delete your own account"), nil
	}
	err = t.users.Delete(ctx, id)
	return t.result(ctx, "delete_user", map[string]any{"deleted": id}, err)
}

// isSelf reports whether id is the account calling the tool.
func isSelf(ctx context.Context, id string) bool {
	actor, ok := ActorFromContext(ctx)
	return ok && actor.ID == id
}

// result renders v as indented JSON. Domain errors become tool errors the
// model can read; anything else is logged and reported generically.
func (t *Tools) result(ctx context.Context, tool string, v any, err error) (*mcp.CallToolResult, error) {
	log := t.log.With("tool", tool)
	if actor, ok := ActorFromContext(ctx); ok {
		log = log.With("actor_id", actor.ID)
	}
	if err != nil {
		var domain *solveserrors.Error
		if errors.As(err, &domain) && solveserrors.Code(err) != "INTERNAL_ERROR" {
			log.InfoContext(ctx, "tool call rejected", "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		log.ErrorContext(ctx, "tool call failed", "error", err)
		return mcp.NewToolResultError("internal error"), nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "tool call")
	return mcp.NewToolResultText(string(data)), nil
}
