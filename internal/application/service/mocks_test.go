package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/garyjia/expense-approval/internal/application/dispatcher"
	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/approval"
	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/garyjia/expense-approval/internal/domain/event"
)

// mockLogger records messages per level
type mockLogger struct {
	mu     sync.Mutex
	infos  []string
	warns  []string
	errors []string
}

func (m *mockLogger) Info(msg string, keysAndValues ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos = append(m.infos, msg)
}

func (m *mockLogger) Warn(msg string, keysAndValues ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warns = append(m.warns, msg)
}

func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, msg)
}

func (m *mockLogger) WarnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.warns)
}

func (m *mockLogger) ErrorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.errors)
}

// memTxManager snapshots the store and restores it when fn fails
type memTxManager struct {
	s   *memStore
	err error
}

func (m *memTxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.err != nil {
		return m.err
	}
	snap := m.s.snapshot()
	if err := fn(ctx); err != nil {
		m.s.restore(snap)
		return err
	}
	return nil
}

// memStore is a tiny in-memory database shared by the repository fakes.
// Rows are copied in and out so callers cannot mutate stored state.
type memStore struct {
	mu            sync.Mutex
	nextID        int64
	companies     map[int64]entity.Company
	users         map[int64]entity.User
	rules         map[int64]*approval.Rule
	expenses      map[int64]entity.Expense
	approvals     map[int64]entity.ExpenseApproval
	notifications map[int64]entity.ApprovalNotification

	// failExpenseUpdates makes the next N expense updates report a concurrent write
	failExpenseUpdates int
}

func newMemStore() *memStore {
	return &memStore{
		companies:     make(map[int64]entity.Company),
		users:         make(map[int64]entity.User),
		rules:         make(map[int64]*approval.Rule),
		expenses:      make(map[int64]entity.Expense),
		approvals:     make(map[int64]entity.ExpenseApproval),
		notifications: make(map[int64]entity.ApprovalNotification),
	}
}

type memSnapshot struct {
	rules         map[int64]approval.Rule
	expenses      map[int64]entity.Expense
	approvals     map[int64]entity.ExpenseApproval
	notifications map[int64]entity.ApprovalNotification
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		rules:         make(map[int64]approval.Rule, len(s.rules)),
		expenses:      make(map[int64]entity.Expense, len(s.expenses)),
		approvals:     make(map[int64]entity.ExpenseApproval, len(s.approvals)),
		notifications: make(map[int64]entity.ApprovalNotification, len(s.notifications)),
	}
	for k, v := range s.rules {
		snap.rules[k] = *v
	}
	for k, v := range s.expenses {
		snap.expenses[k] = v
	}
	for k, v := range s.approvals {
		snap.approvals[k] = v
	}
	for k, v := range s.notifications {
		snap.notifications[k] = v
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = make(map[int64]*approval.Rule, len(snap.rules))
	for k, v := range snap.rules {
		v := v
		s.rules[k] = &v
	}
	s.expenses = snap.expenses
	s.approvals = snap.approvals
	s.notifications = snap.notifications
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) addCompany(c entity.Company) *entity.Company {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.id()
	s.companies[c.ID] = c
	return &c
}

func (s *memStore) addUser(u entity.User) *entity.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.ID = s.id()
	s.users[u.ID] = u
	return &u
}

func (s *memStore) expense(id int64) entity.Expense {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expenses[id]
}

func (s *memStore) approvalsFor(expenseID int64) []entity.ExpenseApproval {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.ExpenseApproval
	for _, a := range s.approvals {
		if a.ExpenseID == expenseID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepSequence != out[j].StepSequence {
			return out[i].StepSequence < out[j].StepSequence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type memCompanyRepo struct{ s *memStore }

func (r *memCompanyRepo) Create(ctx context.Context, c *entity.Company) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c.ID = r.s.id()
	r.s.companies[c.ID] = *c
	return nil
}

func (r *memCompanyRepo) GetByID(ctx context.Context, id int64) (*entity.Company, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.companies[id]
	if !ok {
		return nil, port.ErrNotFound
	}
	return &c, nil
}

func (r *memCompanyRepo) List(ctx context.Context) ([]*entity.Company, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*entity.Company, 0, len(r.s.companies))
	for _, c := range r.s.companies {
		c := c
		out = append(out, &c)
	}
	return out, nil
}

type memUserRepo struct{ s *memStore }

func (r *memUserRepo) Create(ctx context.Context, u *entity.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u.ID = r.s.id()
	r.s.users[u.ID] = *u
	return nil
}

func (r *memUserRepo) GetByID(ctx context.Context, id int64) (*entity.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, port.ErrNotFound
	}
	return &u, nil
}

func (r *memUserRepo) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if u.Email == email {
			u := u
			return &u, nil
		}
	}
	return nil, port.ErrNotFound
}

func (r *memUserRepo) ListByCompany(ctx context.Context, companyID int64) ([]*entity.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*entity.User
	for _, u := range r.s.users {
		if u.CompanyID == companyID {
			u := u
			out = append(out, &u)
		}
	}
	return out, nil
}

func (r *memUserRepo) ListByManager(ctx context.Context, managerID int64) ([]*entity.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*entity.User
	for _, u := range r.s.users {
		if u.ManagerID != nil && *u.ManagerID == managerID {
			u := u
			out = append(out, &u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memUserRepo) Update(ctx context.Context, u *entity.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.users[u.ID]
	if !ok {
		return port.ErrNotFound
	}
	stored.FullName = u.FullName
	stored.Role = u.Role
	stored.ManagerID = u.ManagerID
	r.s.users[u.ID] = stored
	return nil
}

type memRuleRepo struct{ s *memStore }

func (r *memRuleRepo) Create(ctx context.Context, rule *approval.Rule) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rule.ID = r.s.id()
	copied := *rule
	r.s.rules[rule.ID] = &copied
	return nil
}

func (r *memRuleRepo) GetByID(ctx context.Context, id int64) (*approval.Rule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rule, ok := r.s.rules[id]
	if !ok {
		return nil, port.ErrNotFound
	}
	copied := *rule
	return &copied, nil
}

func (r *memRuleRepo) GetActive(ctx context.Context, companyID int64) (*approval.Rule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, rule := range r.s.rules {
		if rule.CompanyID == companyID && rule.Active {
			copied := *rule
			return &copied, nil
		}
	}
	return nil, port.ErrNotFound
}

func (r *memRuleRepo) ListByCompany(ctx context.Context, companyID int64) ([]*approval.Rule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*approval.Rule
	for _, rule := range r.s.rules {
		if rule.CompanyID == companyID {
			copied := *rule
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *memRuleRepo) DeactivateAll(ctx context.Context, companyID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, rule := range r.s.rules {
		if rule.CompanyID == companyID {
			rule.Active = false
		}
	}
	return nil
}

type memExpenseRepo struct{ s *memStore }

func (r *memExpenseRepo) Create(ctx context.Context, e *entity.Expense) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e.ID = r.s.id()
	e.Version = 1
	r.s.expenses[e.ID] = *e
	return nil
}

func (r *memExpenseRepo) GetByID(ctx context.Context, id int64) (*entity.Expense, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.expenses[id]
	if !ok {
		return nil, port.ErrNotFound
	}
	return &e, nil
}

func (r *memExpenseRepo) Update(ctx context.Context, e *entity.Expense) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failExpenseUpdates > 0 {
		r.s.failExpenseUpdates--
		return port.ErrConcurrentUpdate
	}
	stored, ok := r.s.expenses[e.ID]
	if !ok {
		return port.ErrNotFound
	}
	if stored.Version != e.Version {
		return port.ErrConcurrentUpdate
	}
	e.Version++
	r.s.expenses[e.ID] = *e
	return nil
}

func (r *memExpenseRepo) ListByEmployee(ctx context.Context, employeeID int64) ([]*entity.Expense, error) {
	return r.list(func(e entity.Expense) bool { return e.EmployeeID == employeeID }), nil
}

func (r *memExpenseRepo) ListByCompany(ctx context.Context, companyID int64) ([]*entity.Expense, error) {
	return r.list(func(e entity.Expense) bool { return e.CompanyID == companyID }), nil
}

func (r *memExpenseRepo) ListByManager(ctx context.Context, managerID int64) ([]*entity.Expense, error) {
	r.s.mu.Lock()
	reports := make(map[int64]bool)
	for _, u := range r.s.users {
		if u.ManagerID != nil && *u.ManagerID == managerID {
			reports[u.ID] = true
		}
	}
	r.s.mu.Unlock()
	return r.list(func(e entity.Expense) bool { return reports[e.EmployeeID] }), nil
}

func (r *memExpenseRepo) list(match func(entity.Expense) bool) []*entity.Expense {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*entity.Expense
	for _, e := range r.s.expenses {
		if match(e) {
			e := e
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (r *memExpenseRepo) CountByStatus(ctx context.Context, employeeID int64) (*entity.StatusSummary, error) {
	summary := &entity.StatusSummary{}
	for _, e := range r.list(func(e entity.Expense) bool { return e.EmployeeID == employeeID }) {
		switch e.Status {
		case entity.ExpenseStatusPending:
			summary.Pending++
		case entity.ExpenseStatusApproved:
			summary.Approved++
		case entity.ExpenseStatusRejected:
			summary.Rejected++
		}
	}
	return summary, nil
}

type memApprovalRepo struct{ s *memStore }

func (r *memApprovalRepo) Create(ctx context.Context, a *entity.ExpenseApproval) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a.ID = r.s.id()
	r.s.approvals[a.ID] = *a
	return nil
}

func (r *memApprovalRepo) GetByID(ctx context.Context, id int64) (*entity.ExpenseApproval, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.approvals[id]
	if !ok {
		return nil, port.ErrNotFound
	}
	return &a, nil
}

func (r *memApprovalRepo) ListByExpense(ctx context.Context, expenseID int64) ([]*entity.ExpenseApproval, error) {
	rows := r.s.approvalsFor(expenseID)
	out := make([]*entity.ExpenseApproval, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}

func (r *memApprovalRepo) ListByApprover(ctx context.Context, approverID int64, status string) ([]*entity.ExpenseApproval, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*entity.ExpenseApproval
	for _, a := range r.s.approvals {
		if a.ApproverID == approverID && (status == "" || a.Status == status) {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memApprovalRepo) Decide(ctx context.Context, a *entity.ExpenseApproval) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.approvals[a.ID]
	if !ok {
		return port.ErrNotFound
	}
	if stored.Status != entity.ApprovalStatusPending {
		return port.ErrConcurrentUpdate
	}
	r.s.approvals[a.ID] = *a
	return nil
}

type memNotificationRepo struct{ s *memStore }

func (r *memNotificationRepo) Create(ctx context.Context, n *entity.ApprovalNotification) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n.ID = r.s.id()
	r.s.notifications[n.ID] = *n
	return nil
}

func (r *memNotificationRepo) GetByID(ctx context.Context, id int64) (*entity.ApprovalNotification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n, ok := r.s.notifications[id]
	if !ok {
		return nil, port.ErrNotFound
	}
	return &n, nil
}

func (r *memNotificationRepo) ListByExpense(ctx context.Context, expenseID int64) ([]*entity.ApprovalNotification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*entity.ApprovalNotification
	for _, n := range r.s.notifications {
		if n.ExpenseID == expenseID {
			n := n
			out = append(out, &n)
		}
	}
	return out, nil
}

func (r *memNotificationRepo) ListRetryable(ctx context.Context, maxAttempts, limit int) ([]*entity.ApprovalNotification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*entity.ApprovalNotification
	for _, n := range r.s.notifications {
		if n.Status == entity.NotificationStatusFailed && n.Attempts < maxAttempts {
			n := n
			out = append(out, &n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memNotificationRepo) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := r.s.notifications[id]
	n.Status = entity.NotificationStatusSent
	n.SentAt = &sentAt
	n.ErrorMessage = ""
	n.Attempts++
	r.s.notifications[id] = n
	return nil
}

func (r *memNotificationRepo) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := r.s.notifications[id]
	n.Status = entity.NotificationStatusFailed
	n.ErrorMessage = errorMsg
	n.Attempts++
	r.s.notifications[id] = n
	return nil
}

func (r *memNotificationRepo) MarkSkipped(ctx context.Context, id int64, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := r.s.notifications[id]
	n.Status = entity.NotificationStatusSkipped
	n.ErrorMessage = reason
	r.s.notifications[id] = n
	return nil
}

type mockNotifier struct {
	mu         sync.Mutex
	notifyFunc func(ctx context.Context, notice port.ApprovalNotice) error
	sent       []port.ApprovalNotice
}

func (m *mockNotifier) Notify(ctx context.Context, notice port.ApprovalNotice) error {
	if m.notifyFunc != nil {
		if err := m.notifyFunc(ctx, notice); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, notice)
	return nil
}

func (m *mockNotifier) Channel() string { return "test" }

// recordingDispatcher keeps every published event instead of running handlers
type recordingDispatcher struct {
	mu     sync.Mutex
	events []*event.Event
}

func (d *recordingDispatcher) Subscribe(event.Type, string, dispatcher.Handler) {}
func (d *recordingDispatcher) InFlight() int64                                   { return 0 }
func (d *recordingDispatcher) Close() error                                      { return nil }

func (d *recordingDispatcher) PublishSync(ctx context.Context, evt *event.Event) error {
	d.Publish(ctx, evt)
	return nil
}

func (d *recordingDispatcher) Publish(ctx context.Context, evt *event.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, evt)
}

func (d *recordingDispatcher) ofType(t event.Type) []*event.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*event.Event
	for _, e := range d.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (d *recordingDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = nil
}

type mockMetrics struct {
	mu          sync.Mutex
	submitted   int
	decisions   map[string]int
	retries     int
	deliveries  int
	deliveryErr int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{decisions: make(map[string]int)}
}

func (m *mockMetrics) ExpenseSubmitted(ruleKind string, taskCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted++
}

func (m *mockMetrics) DecisionRecorded(action, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[action+"/"+outcome]++
}

func (m *mockMetrics) ConcurrencyRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *mockMetrics) NotificationDelivered(channel string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries++
	if err != nil {
		m.deliveryErr++
	}
}

// fixture wires an expense service over a fresh memStore with one company
type fixture struct {
	store    *memStore
	company  *entity.Company
	logger   *mockLogger
	events   *recordingDispatcher
	metrics  *mockMetrics
	expenses ExpenseService
	rules    RuleService
	users    UserService
	now      time.Time
}

func newFixture() *fixture {
	f := &fixture{
		store:   newMemStore(),
		logger:  &mockLogger{},
		events:  &recordingDispatcher{},
		metrics: newMockMetrics(),
		now:     time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC),
	}
	f.company = f.store.addCompany(entity.Company{Name: "Acme", Country: "US", Currency: "USD"})

	repos := f.repos()
	f.expenses = NewExpenseService(repos.companies, repos.users, repos.rules, repos.expenses, repos.approvals,
		&memTxManager{s: f.store}, f.logger,
		WithDispatcher(f.events),
		WithMetrics(f.metrics),
		WithClock(func() time.Time { return f.now }),
	)
	f.rules = NewRuleService(repos.companies, repos.users, repos.rules, &memTxManager{s: f.store}, f.logger)
	f.users = NewUserService(repos.users, &memTxManager{s: f.store}, f.logger)
	return f
}

type repoSet struct {
	companies     *memCompanyRepo
	users         *memUserRepo
	rules         *memRuleRepo
	expenses      *memExpenseRepo
	approvals     *memApprovalRepo
	notifications *memNotificationRepo
}

func (f *fixture) repos() repoSet {
	return repoSet{
		companies:     &memCompanyRepo{f.store},
		users:         &memUserRepo{f.store},
		rules:         &memRuleRepo{f.store},
		expenses:      &memExpenseRepo{f.store},
		approvals:     &memApprovalRepo{f.store},
		notifications: &memNotificationRepo{f.store},
	}
}

func (f *fixture) user(name, role string, managerID *int64) *entity.User {
	return f.store.addUser(entity.User{
		CompanyID: f.company.ID,
		FullName:  name,
		Email:     name + "@acme.test",
		Role:      role,
		ManagerID: managerID,
	})
}

func (f *fixture) activate(rule *approval.Rule) *approval.Rule {
	rule.CompanyID = f.company.ID
	rule.Active = true
	repos := f.repos()
	_ = repos.rules.DeactivateAll(context.Background(), f.company.ID)
	_ = repos.rules.Create(context.Background(), rule)
	return rule
}

func (f *fixture) submit(employeeID int64) SubmitExpenseInput {
	return SubmitExpenseInput{
		EmployeeID:  employeeID,
		Amount:      120,
		Currency:    "usd",
		Category:    "Travel",
		Description: "Taxi to client",
		ExpenseDate: f.now.AddDate(0, 0, -1),
	}
}
