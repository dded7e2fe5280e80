package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/application/service"
	"github.com/garyjia/expense-approval/internal/domain/approval"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Handlers contains all HTTP request handlers
type Handlers struct {
	services Services
	logger   Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(services Services, logger Logger) *Handlers {
	return &Handlers{
		services: services,
		logger:   logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string      `json:"status"`
	Timestamp  string      `json:"timestamp"`
	Components interface{} `json:"components,omitempty"`
}

// DecisionRequest is the body of POST /api/approvals/:id/decision
type DecisionRequest struct {
	ActorID  int64  `json:"actor_id"`
	Action   string `json:"action"`
	Comments string `json:"comments"`
}

// DecisionResponse reports the task, the expense after the decision, and
// what the decision did to it
type DecisionResponse struct {
	Approval *entity.ExpenseApproval   `json:"approval"`
	Expense  *entity.Expense           `json:"expense"`
	Outcome  string                    `json:"outcome"`
	NewTasks []*entity.ExpenseApproval `json:"new_tasks,omitempty"`
}

// EmployeeExpensesResponse is the submitter dashboard
type EmployeeExpensesResponse struct {
	Expenses []*entity.Expense    `json:"expenses"`
	Summary  *entity.StatusSummary `json:"summary"`
}

// RuleResponse is an approval rule flattened for JSON
type RuleResponse struct {
	ID                 int64           `json:"id"`
	CompanyID          int64           `json:"company_id"`
	Name               string          `json:"name"`
	RuleType           string          `json:"rule_type"`
	ManagerFirst       bool            `json:"is_manager_first"`
	Active             bool            `json:"is_active"`
	PercentageRequired *int            `json:"percentage_required,omitempty"`
	SpecificApproverID *int64          `json:"specific_approver_id,omitempty"`
	Steps              []approval.Step `json:"steps"`
	CreatedAt          string          `json:"created_at"`
}

// ArchiveResponse points at a ledger saved on the server
type ArchiveResponse struct {
	Path string `json:"path"`
}

func toRuleResponse(r *approval.Rule) RuleResponse {
	steps := r.Steps()
	if steps == nil {
		steps = []approval.Step{}
	}
	return RuleResponse{
		ID:                 r.ID,
		CompanyID:          r.CompanyID,
		Name:               r.Name,
		RuleType:           string(r.Kind()),
		ManagerFirst:       r.ManagerFirst,
		Active:             r.Active,
		PercentageRequired: r.PercentageRequired(),
		SpecificApproverID: r.SpecificApproverID(),
		Steps:              steps,
		CreatedAt:          r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// SubmitExpense handles POST /api/expenses
func (h *Handlers) SubmitExpense(c *gin.Context) {
	var req service.SubmitExpenseInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body", err)
		return
	}

	detail, err := h.services.Expenses.Submit(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "failed to submit expense", err)
		return
	}

	c.JSON(http.StatusCreated, Response{Success: true, Data: detail})
}

// GetExpense handles GET /api/expenses/:id
func (h *Handlers) GetExpense(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}

	detail, err := h.services.Expenses.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "failed to get expense", err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: detail})
}

// DecideApproval handles POST /api/approvals/:id/decision
func (h *Handlers) DecideApproval(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}

	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body", err)
		return
	}

	result, err := h.services.Expenses.Decide(c.Request.Context(), service.DecideInput{
		ApprovalID: id,
		ActorID:    req.ActorID,
		Action:     req.Action,
		Comments:   req.Comments,
	})
	if err != nil {
		h.fail(c, "failed to record decision", err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: DecisionResponse{
			Approval: result.Approval,
			Expense:  result.Expense,
			Outcome:  result.Outcome.String(),
			NewTasks: result.NewTasks,
		},
	})
}

// ListApproverInbox handles GET /api/approvers/:id/approvals?status=pending
func (h *Handlers) ListApproverInbox(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}

	if status := c.DefaultQuery("status", "pending"); status != "pending" {
		h.badRequest(c, "only status=pending is supported", nil)
		return
	}

	items, err := h.services.Expenses.ListPendingForApprover(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "failed to list approvals", err)
		return
	}
	if items == nil {
		items = []*service.InboxItem{}
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: items})
}

// ListEmployeeExpenses handles GET /api/employees/:id/expenses
func (h *Handlers) ListEmployeeExpenses(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}

	expenses, summary, err := h.services.Expenses.ListForEmployee(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "failed to list expenses", err)
		return
	}
	if expenses == nil {
		expenses = []*entity.Expense{}
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    EmployeeExpensesResponse{Expenses: expenses, Summary: summary},
	})
}

// ListTeamExpenses handles GET /api/managers/:id/team-expenses
func (h *Handlers) ListTeamExpenses(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}

	expenses, err := h.services.Expenses.ListTeam(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "failed to list team expenses", err)
		return
	}
	if expenses == nil {
		expenses = []*entity.Expense{}
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: expenses})
}

// ListCompanyExpenses handles GET /api/companies/:id/expenses
func (h *Handlers) ListCompanyExpenses(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}

	expenses, err := h.services.Expenses.ListForCompany(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "failed to list expenses", err)
		return
	}
	if expenses == nil {
		expenses = []*entity.Expense{}
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: expenses})
}

// CreateUser handles POST /api/users
func (h *Handlers) CreateUser(c *gin.Context) {
	var req service.CreateUserInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body", err)
		return
	}

	user, err := h.services.Users.CreateUser(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "failed to create user", err)
		return
	}

	c.JSON(http.StatusCreated, Response{Success: true, Data: user})
}

// UpdateUser handles PUT /api/users/:id
func (h *Handlers) UpdateUser(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}

	var req service.UpdateUserInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body", err)
		return
	}
	req.UserID = id

	user, err := h.services.Users.UpdateUser(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "failed to update user", err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: user})
}

// GetUser handles GET /api/users/:id
func (h *Handlers) GetUser(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}

	user, err := h.services.Users.GetUser(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "failed to get user", err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: user})
}

// ListUsers handles GET /api/companies/:id/users
func (h *Handlers) ListUsers(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}

	users, err := h.services.Users.ListUsers(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "failed to list users", err)
		return
	}
	if users == nil {
		users = []*entity.User{}
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: users})
}

// CreateRule handles POST /api/rules
func (h *Handlers) CreateRule(c *gin.Context) {
	var req service.CreateRuleInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body", err)
		return
	}

	rule, err := h.services.Rules.CreateRule(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "failed to create rule", err)
		return
	}

	c.JSON(http.StatusCreated, Response{Success: true, Data: toRuleResponse(rule)})
}

// ListRules handles GET /api/companies/:id/rules
func (h *Handlers) ListRules(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}

	rules, err := h.services.Rules.ListRules(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "failed to list rules", err)
		return
	}

	out := make([]RuleResponse, 0, len(rules))
	for _, r := range rules {
		out = append(out, toRuleResponse(r))
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: out})
}

// DownloadLedger handles GET /api/companies/:id/export
func (h *Handlers) DownloadLedger(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}

	content, err := h.services.Reports.BuildLedger(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "failed to build ledger", err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="ledger-company-%d.xlsx"`, id))
	c.Data(http.StatusOK, xlsxContentType, content)
}

// ArchiveLedger handles POST /api/companies/:id/export
func (h *Handlers) ArchiveLedger(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}

	path, err := h.services.Reports.ArchiveLedger(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "failed to archive ledger", err)
		return
	}

	c.JSON(http.StatusCreated, Response{Success: true, Data: ArchiveResponse{Path: path}})
}

func (h *Handlers) idParam(c *gin.Context) (int64, bool) {
	raw := c.Param("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.badRequest(c, "invalid id", err)
		return 0, false
	}
	return id, true
}

func (h *Handlers) badRequest(c *gin.Context, msg string, err error) {
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	c.JSON(http.StatusBadRequest, Response{Success: false, Error: msg})
}

// fail maps service errors onto status codes. Only unexpected errors are
// logged here; the rest are client mistakes.
func (h *Handlers) fail(c *gin.Context, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
		h.logger.Error(msg, "error", err, "path", c.Request.URL.Path)
		c.JSON(status, Response{Success: false, Error: msg})
		return
	}
	c.JSON(status, Response{Success: false, Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, approval.ErrConfiguration),
		errors.Is(err, approval.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, port.ErrNotFound),
		errors.Is(err, approval.ErrApprovalNotFound):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrNotTaskApprover),
		errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, approval.ErrTaskAlreadyDecided),
		errors.Is(err, service.ErrEmailTaken),
		errors.Is(err, approval.ErrExpenseClosed),
		errors.Is(err, port.ErrConcurrentUpdate):
		return http.StatusConflict
	case errors.Is(err, approval.ErrInvalidDecision):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
