package webhooks

// CatalogVersion identifies the published set of subscribable events.
const CatalogVersion = "2024-06"

// TestEvent is synthesized by SendTest only; endpoints cannot subscribe to it.
const TestEvent = "webhook.test"

// EventDef describes one subscribable event.
type EventDef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var catalog = []EventDef{
	{"employee.created", "An employee record was created."},
	{"employee.updated", "An employee record changed."},
	{"employee.terminated", "An employee was terminated."},
	{"leave.requested", "A leave request was submitted."},
	{"leave.approved", "A leave request was approved."},
	{"leave.rejected", "A leave request was rejected."},
	{"leave.cancelled", "A leave request was cancelled."},
	{"attendance.clocked_in", "An employee clocked in."},
	{"attendance.clocked_out", "An employee clocked out."},
	{"timesheet.submitted", "A timesheet was submitted for approval."},
	{"timesheet.approved", "A timesheet was approved."},
	{"training.assigned", "A training course was assigned."},
	{"training.completed", "A training course was completed."},
	{"policy.published", "A company policy was published."},
	{"policy.acknowledged", "An employee acknowledged a policy."},
	{"payroll.processed", "A payroll run finished processing."},
}

var catalogIndex = func() map[string]struct{} {
	m := make(map[string]struct{}, len(catalog))
	for _, e := range catalog {
		m[e.Name] = struct{}{}
	}
	return m
}()

// Catalog returns a copy of the subscribable events in publication order.
func Catalog() []EventDef {
	return append([]EventDef(nil), catalog...)
}

// IsCataloged reports whether name is a subscribable event.
func IsCataloged(name string) bool {
	_, ok := catalogIndex[name]
	return ok
}
