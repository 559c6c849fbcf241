package ado

// IdentityRef is the common identity shape on plans, points and results.
type IdentityRef struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	UniqueName  string `json:"unique_name,omitempty"`
}

// SuiteRef is a lightweight reference to a suite.
type SuiteRef struct {
	ID   int    `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Plan is a test plan.
type Plan struct {
	ID            int          `json:"id"`
	Name          string       `json:"name"`
	AreaPath      string       `json:"area_path,omitempty"`
	IterationPath string       `json:"iteration_path,omitempty"`
	Description   string       `json:"description,omitempty"`
	State         string       `json:"state,omitempty"`
	StartDate     string       `json:"start_date,omitempty"`
	EndDate       string       `json:"end_date,omitempty"`
	UpdatedDate   string       `json:"updated_date,omitempty"`
	Revision      int          `json:"revision,omitempty"`
	RootSuite     SuiteRef     `json:"root_suite"`
	Owner         *IdentityRef `json:"owner,omitempty"`
	UpdatedBy     *IdentityRef `json:"updated_by,omitempty"`
}

// Suite is a grouping of test cases inside one plan. Suite IDs are unique
// only within a plan; (PlanID, ID) is the composite key everywhere.
type Suite struct {
	ID              int      `json:"id"`
	PlanID          int      `json:"plan_id"`
	ParentSuiteID   int      `json:"parent_suite_id,omitempty"`
	Name            string   `json:"name"`
	SuiteType       string   `json:"suite_type,omitempty"`
	State           string   `json:"state,omitempty"`
	RequirementID   int      `json:"requirement_id,omitempty"`
	QueryString     string   `json:"query_string,omitempty"`
	InheritDefaults bool     `json:"inherit_default_configurations"`
	DefaultConfigs  []int    `json:"default_configuration_ids,omitempty"`
	TestCaseIDs     []int    `json:"test_case_ids,omitempty"`
	LastUpdatedDate string   `json:"last_updated_date,omitempty"`
}

// SuiteTestCase is the raw membership record of a case in a suite; it carries
// only a work-item reference until enrichment.
type SuiteTestCase struct {
	ID         int    `json:"id"`
	Name       string `json:"name,omitempty"`
	WorkItemID int    `json:"work_item_id"`
	Order      int    `json:"order,omitempty"`
	PlanID     int    `json:"plan_id"`
	SuiteID    int    `json:"suite_id"`
}

// TestPoint binds a test case to a suite and configuration. It exists only
// in the context of a (plan, suite) pair.
type TestPoint struct {
	ID                int          `json:"id"`
	PlanID            int          `json:"plan_id"`
	SuiteID           int          `json:"suite_id"`
	TestCaseID        int          `json:"test_case_id"`
	TestCaseTitle     string       `json:"test_case_title,omitempty"`
	ConfigurationID   int          `json:"configuration_id"`
	ConfigurationName string       `json:"configuration_name,omitempty"`
	Outcome           string       `json:"outcome,omitempty"`
	State             string       `json:"state,omitempty"`
	Tester            *IdentityRef `json:"tester,omitempty"`
}

// TestResult is one execution outcome of a test point.
type TestResult struct {
	ID              int          `json:"id"`
	TestPointID     int          `json:"test_point_id"`
	TestCaseID      int          `json:"test_case_id,omitempty"`
	TestRunID       int          `json:"test_run_id,omitempty"`
	ConfigurationID int          `json:"configuration_id,omitempty"`
	Outcome         string       `json:"outcome,omitempty"`
	State           string       `json:"state,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	Comment         string       `json:"comment,omitempty"`
	StartedDate     string       `json:"started_date,omitempty"`
	CompletedDate   string       `json:"completed_date,omitempty"`
	DurationMs      float64      `json:"duration_in_ms,omitempty"`
	RunBy           *IdentityRef `json:"run_by,omitempty"`
}

// Configuration is a project-wide execution configuration, shared by all plans.
type Configuration struct {
	ID          int               `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	State       string            `json:"state,omitempty"`
	IsDefault   bool              `json:"is_default"`
	Values      map[string]string `json:"values,omitempty"`
}

// Variable is a project-wide test variable, shared by all plans.
type Variable struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Values      []string `json:"values,omitempty"`
}

// WorkItem is the raw work-item record backing a test case. Fields carries
// the server field map verbatim, including the markup-encoded TCM fields.
type WorkItem struct {
	ID     int            `json:"id"`
	Rev    int            `json:"rev,omitempty"`
	Fields map[string]any `json:"fields"`
}

// Field returns a string field from the work item, or "" when absent.
func (w *WorkItem) Field(name string) string {
	if w == nil || w.Fields == nil {
		return ""
	}
	s, _ := w.Fields[name].(string)
	return s
}

// Work-item field names requested on batch fetch. The TCM fields carry the
// markup decoded by package workitem.
const (
	FieldTitle            = "System.Title"
	FieldDescription      = "System.Description"
	FieldState            = "System.State"
	FieldWorkItemType     = "System.WorkItemType"
	FieldTags             = "System.Tags"
	FieldSteps            = "Microsoft.VSTS.TCM.Steps"
	FieldParameters       = "Microsoft.VSTS.TCM.Parameters"
	FieldLocalDataSource  = "Microsoft.VSTS.TCM.LocalDataSource"
	FieldPrerequisites    = "Microsoft.VSTS.TCM.Prerequisites"
	FieldAutomationStatus = "Microsoft.VSTS.TCM.AutomationStatus"
	FieldPriority         = "Microsoft.VSTS.Common.Priority"
)

// TestCaseFields is the field allowlist sent with work-item batch requests.
func TestCaseFields() []string {
	return []string{
		"System.Id",
		FieldTitle,
		FieldDescription,
		FieldState,
		FieldWorkItemType,
		FieldTags,
		"System.AssignedTo",
		"System.CreatedBy",
		"System.CreatedDate",
		"System.ChangedDate",
		"System.ChangedBy",
		FieldSteps,
		FieldParameters,
		FieldLocalDataSource,
		FieldPrerequisites,
		FieldAutomationStatus,
		FieldPriority,
	}
}
