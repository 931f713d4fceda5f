// Package parser turns a loosely structured inbound email envelope into a
// normalized Task using keyword and regex precedence rules.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/swarmguard/emailorch/internal/task"
)

// Email is the loosely-structured inbound envelope the parser consumes.
type Email struct {
	MessageID  string
	Sender     string
	Recipients []string
	Subject    string
	Timestamp  time.Time
	CC         []string
	ReplyTo    string
	ThreadID   string
	Body       string
}

// AssignmentRule maps a task type to the agent(s) that should handle it.
type AssignmentRule struct {
	Primary    string
	Supporting []string
	Reason     string
}

var priorityPatterns = map[task.Priority][]*regexp.Regexp{
	task.PriorityUrgent: {
		regexp.MustCompile(`(?i)\b(?:urgent|asap|critical|emergency|immediately|right\s+away|high\s+priority|top\s+priority)\b`),
		regexp.MustCompile(`(?i)\b(?:fire|burning|blocker|showstopper)\b`),
		regexp.MustCompile(`!!!`),
	},
	task.PriorityHigh: {
		regexp.MustCompile(`(?i)\b(?:high\s+priority|important|needed\s+soon|priority|soon\s+as\s+possible)\b`),
		regexp.MustCompile(`(?i)\b(?:by\s+end\s+of\s+day|eod|today)\b`),
	},
	task.PriorityLow: {
		regexp.MustCompile(`(?i)\b(?:low\s+priority|when\s+you\s+(?:have|get)\s+time|no\s+rush|not\s+urgent|whenever)\b`),
		regexp.MustCompile(`(?i)\b(?:nice\s+to\s+have|optional|if\s+possible|backlog)\b`),
		regexp.MustCompile(`(?i)\b(?:eventually|someday|future)\b`),
	},
}

// taskTypePrecedence is the fixed order in which taskTypeKeywords is consulted; the first
// matching type wins, with "general" the unconditional fallback.
var taskTypePrecedence = []task.Type{
	task.TypeCodeReview,
	task.TypeBugReport,
	task.TypeFeatureRequest,
	task.TypeDocumentation,
	task.TypeDeployment,
	task.TypeInvestigation,
}

var taskTypeKeywords = map[task.Type][]string{
	task.TypeCodeReview:     {"code review", "review this code", "review the pr", "review pr", "pull request", "review my changes", "please review"},
	task.TypeBugReport:      {"bug", "broken", "crash", "crashing", "not working", "doesn't work", "error", "exception", "stack trace", "regression"},
	task.TypeFeatureRequest: {"feature request", "new feature", "can we add", "would like to request", "enhancement", "please add"},
	task.TypeDocumentation:  {"documentation", "docs", "readme", "write up", "document the"},
	task.TypeDeployment:     {"deploy", "deployment", "release", "rollout", "go live", "production push"},
	task.TypeInvestigation:  {"investigate", "look into", "root cause", "why is", "figure out why", "triage"},
}

// actionKeywords signal a task-bearing line, used as a title-extraction fallback.
var actionKeywords = []string{
	"review", "fix", "implement", "create", "update", "deploy",
	"investigate", "analyze", "document", "test", "debug",
	"refactor", "optimize", "integrate", "configure", "setup",
	"build", "design", "develop", "resolve", "troubleshoot",
}

var techKeywords = []string{
	"python", "javascript", "react", "docker", "kubernetes",
	"aws", "azure", "gcp", "api", "database", "frontend",
	"backend", "ci/cd", "testing", "security", "authentication",
	"payment", "login", "deployment", "production", "staging",
}

var (
	reSubjectPrefix  = regexp.MustCompile(`(?i)^(?:Re|Fwd|Fw):\s*`)
	reHashtag        = regexp.MustCompile(`#(\w+)`)
	reMention        = regexp.MustCompile(`@(\w+)`)
	reProjectRef     = regexp.MustCompile(`(?i)(?:project|feature|module|component|pr|pull request)[:;\s]+(?:#)?(\w+)`)
	reURL            = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+(?:[/?#][^\s<>"{}|\\^` + "`" + `\[\]]*)?`)
	reCodeBlock      = regexp.MustCompile("(?s)```.*?```")
	reEmail          = regexp.MustCompile(`\b[\w.-]+@[\w.-]+\.\w+\b`)
	rePRIssue        = regexp.MustCompile(`(?i)(?:#|PR|issue)\s*(\d+)`)
	reQuotedLine     = regexp.MustCompile(`(?m)^>.*$`)
	reSigDelimiter   = regexp.MustCompile(`(?is)--\s*\n.*`)
	reSignOff        = regexp.MustCompile(`(?is)(?:Best regards|Sincerely|Thanks|Regards|Cheers),?\s*\n.*`)
	reSentFromMobile = regexp.MustCompile(`(?is)Sent from my.*`)
	reConfidential   = regexp.MustCompile(`(?is)(?:This email and any attachments|CONFIDENTIAL).*`)
	reISODate        = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})(?:[T ](\d{2}):(\d{2})(?::(\d{2}))?)?\b`)
)

var listItemPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*[-*•▪]\s+(.+)$`),
	regexp.MustCompile(`^\s*\d+[.)]\s+(.+)$`),
	regexp.MustCompile(`^\s*[a-zA-Z][.)]\s+(.+)$`),
	regexp.MustCompile(`^\s*\[[ xX]\]\s+(.+)$`),
	regexp.MustCompile(`^\s{2,}(.+)$`),
}

var sectionHeaders = map[string]*regexp.Regexp{
	"deliverables":     regexp.MustCompile(`(?i)(?:deliverables?|outputs?|results?|outcomes?)\s*:?\s*\n`),
	"success_criteria": regexp.MustCompile(`(?i)(?:success\s+criteria|acceptance\s+criteria|done\s+when|definition\s+of\s+done)\s*:?\s*\n`),
	"dependencies":     regexp.MustCompile(`(?i)(?:dependencies|depends?\s+on|blocked\s+by|waiting\s+for|requires?)\s*:?\s*\n`),
}

var nextSectionBoundary = regexp.MustCompile(`\n\s*\n|\n[A-Z]`)

// relativeDatePattern pairs a regex against a calculator taking the now
// anchor and any captured numeric group.
type relativeDatePattern struct {
	re   *regexp.Regexp
	calc func(now time.Time, n int) time.Time
}

var relativeDatePatterns = []relativeDatePattern{
	{regexp.MustCompile(`(?i)(?:in\s+)?(\d+)\s*(?:hours?|hrs?)`), func(now time.Time, n int) time.Time { return now.Add(time.Duration(n) * time.Hour) }},
	{regexp.MustCompile(`(?i)(?:in\s+)?(\d+)\s*days?`), func(now time.Time, n int) time.Time { return now.AddDate(0, 0, n) }},
	{regexp.MustCompile(`(?i)(?:in\s+)?(\d+)\s*weeks?`), func(now time.Time, n int) time.Time { return now.AddDate(0, 0, n*7) }},
	{regexp.MustCompile(`(?i)(?:in\s+)?(\d+)\s*months?`), func(now time.Time, n int) time.Time { return now.AddDate(0, 0, n*30) }},
	{regexp.MustCompile(`(?i)\btomorrow\b`), func(now time.Time, _ int) time.Time { return now.AddDate(0, 0, 1) }},
	{regexp.MustCompile(`(?i)\b(?:today|tonight)\b`), func(now time.Time, _ int) time.Time { return endOfDay(now) }},
	{regexp.MustCompile(`(?i)\bnext\s+week\b`), func(now time.Time, _ int) time.Time { return now.AddDate(0, 0, 7) }},
	{regexp.MustCompile(`(?i)\bthis\s+week\b`), func(now time.Time, _ int) time.Time { return endOfWeek(now) }},
	{regexp.MustCompile(`(?i)\bnext\s+month\b`), func(now time.Time, _ int) time.Time { return now.AddDate(0, 0, 30) }},
	{regexp.MustCompile(`(?i)\bend\s+of\s+(?:the\s+)?day\b`), func(now time.Time, _ int) time.Time { return endOfDay(now) }},
	{regexp.MustCompile(`(?i)\bend\s+of\s+(?:the\s+)?week\b`), func(now time.Time, _ int) time.Time { return endOfWeek(now) }},
	{regexp.MustCompile(`(?i)\bend\s+of\s+(?:the\s+)?month\b`), func(now time.Time, _ int) time.Time { return endOfMonth(now) }},
	{regexp.MustCompile(`(?i)\basap\b`), func(now time.Time, _ int) time.Time { return now.Add(4 * time.Hour) }},
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 0, 0, t.Location())
}

func endOfWeek(t time.Time) time.Time {
	daysUntilFriday := (5 - int(t.Weekday()) + 7) % 7
	if daysUntilFriday == 0 {
		daysUntilFriday = 7
	}
	return endOfDay(t.AddDate(0, 0, daysUntilFriday))
}

func endOfMonth(t time.Time) time.Time {
	firstNext := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
	return endOfDay(firstNext.AddDate(0, 0, -1))
}

// Parser extracts structured Tasks from Email envelopes.
type Parser struct {
	assignments map[task.Type]AssignmentRule
	now         func() time.Time
}

// New constructs a Parser with the given task-type-to-agent assignment table.
func New(assignments map[task.Type]AssignmentRule) *Parser {
	return &Parser{assignments: assignments, now: time.Now}
}

// Parse turns an Email into a Task. Any panic during extraction is converted
// into a generic fallback task rather than propagated, matching the original
// exception-as-fallback behavior.
func (p *Parser) Parse(taskID string, e Email) (t *task.Task) {
	defer func() {
		if r := recover(); r != nil {
			t = p.fallbackTask(taskID, e, fmt.Sprintf("%v", r))
		}
	}()

	subject := e.Subject
	if subject == "" {
		subject = "No Subject"
	}
	body := e.Body

	priority := detectPriority(subject, body)
	taskType := detectTaskType(subject, body)
	title := p.extractTitle(subject, body)
	description := p.extractDescription(subject, body)
	deadline := p.extractDeadline(body)
	deliverables := p.extractSection(body, "deliverables")
	successCriteria := p.extractSection(body, "success_criteria")
	dependencies := p.extractSection(body, "dependencies")
	tags := extractTags(subject, body)
	context := p.extractContext(e, body)

	t = task.New(taskID, title, e.Timestamp)
	t.Description = description
	t.TaskType = taskType
	t.Priority = priority
	t.EmailMetadata = &task.EmailMetadata{
		MessageID:  e.MessageID,
		Sender:     e.Sender,
		Recipients: e.Recipients,
		Subject:    subject,
		Timestamp:  e.Timestamp,
		CC:         e.CC,
		ReplyTo:    e.ReplyTo,
		ThreadID:   e.ThreadID,
	}
	if deadline != nil && deadline.After(t.CreatedAt) {
		_ = t.SetDeadline(*deadline)
	}
	t.Deliverables = deliverables
	t.SuccessCriteria = successCriteria
	t.Dependencies = dependencies
	t.AddTags(tags...)
	t.Context = context

	rule, ok := p.assignments[taskType]
	if !ok {
		rule = AssignmentRule{Primary: "general", Reason: "no assignment configured for task type"}
	}
	t.AssignAgents(rule.Primary, rule.Supporting, rule.Reason)
	return t
}

func (p *Parser) fallbackTask(taskID string, e Email, reason string) *task.Task {
	t := task.New(taskID, "Unparsed Email Task", e.Timestamp)
	t.Description = fmt.Sprintf("Failed to parse email: %s\n\nOriginal subject: %s", reason, e.Subject)
	t.TaskType = task.TypeGeneral
	t.Priority = task.PriorityMedium
	t.AssignAgents("general", nil, "fallback assignment due to parsing error")
	t.AppendNote(e.Timestamp, "parsing error: "+reason)
	return t
}

// detectPriority scans subject+body against the ordered urgent>high>low>medium
// keyword sets; the first family with a match wins.
func detectPriority(subject, body string) task.Priority {
	content := strings.ToLower(subject + " " + body)
	for _, p := range []task.Priority{task.PriorityUrgent, task.PriorityHigh, task.PriorityLow} {
		for _, re := range priorityPatterns[p] {
			if re.MatchString(content) {
				return p
			}
		}
	}
	return task.PriorityMedium
}

// detectTaskType walks the fixed precedence list; general is the fallback.
func detectTaskType(subject, body string) task.Type {
	content := strings.ToLower(subject + " " + body)
	for _, t := range taskTypePrecedence {
		for _, kw := range taskTypeKeywords[t] {
			if strings.Contains(content, kw) {
				return t
			}
		}
	}
	return task.TypeGeneral
}

func (p *Parser) extractTitle(subject, body string) string {
	title := strings.TrimSpace(reSubjectPrefix.ReplaceAllString(subject, ""))
	generic := map[string]bool{"task": true, "request": true, "help": true, "question": true}
	if len(title) < 10 || generic[strings.ToLower(title)] {
		lines := strings.Split(body, "\n")
		if len(lines) > 5 {
			lines = lines[:5]
		}
		for _, line := range lines {
			lower := strings.ToLower(line)
			for _, kw := range actionKeywords {
				if strings.Contains(lower, kw) {
					candidate := strings.TrimSpace(line)
					if len(candidate) > 100 {
						candidate = candidate[:100]
					}
					if len(candidate) > 10 {
						title = candidate
					}
					break
				}
			}
			if len(title) > 10 {
				break
			}
		}
	}
	if title == "" {
		title = "Email Task"
	}
	return title
}

func (p *Parser) extractDescription(subject, body string) string {
	description := removeEmailArtifacts(strings.TrimSpace(body))
	if len(description) < 20 {
		description = fmt.Sprintf("Subject: %s\n\n%s", subject, description)
	}
	return description
}

func removeEmailArtifacts(text string) string {
	text = reQuotedLine.ReplaceAllString(text, "")
	text = reSigDelimiter.ReplaceAllString(text, "")
	text = reSignOff.ReplaceAllString(text, "")
	text = reSentFromMobile.ReplaceAllString(text, "")
	text = reConfidential.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// extractDeadline tries an ISO date first (highest confidence), then a
// prioritized relative-phrase list, then falls back to fuzzy parsing.
func (p *Parser) extractDeadline(body string) *time.Time {
	now := p.now()

	if m := reISODate.FindStringSubmatch(body); m != nil {
		hour, min, sec := 0, 0, 0
		if m[2] != "" {
			hour, _ = strconv.Atoi(m[2])
			min, _ = strconv.Atoi(m[3])
			if m[4] != "" {
				sec, _ = strconv.Atoi(m[4])
			}
		}
		if d, err := time.Parse("2006-01-02", m[1]); err == nil {
			d = time.Date(d.Year(), d.Month(), d.Day(), hour, min, sec, 0, time.UTC)
			if d.After(now) {
				return &d
			}
		}
	}

	for _, rp := range relativeDatePatterns {
		m := rp.re.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		n := 0
		if len(m) > 1 && m[1] != "" {
			n, _ = strconv.Atoi(m[1])
		}
		d := rp.calc(now, n)
		if d.After(now) {
			return &d
		}
	}

	if d, err := dateparse.ParseAny(body); err == nil && d.After(now) {
		return &d
	}
	return nil
}

func (p *Parser) extractSection(body, section string) []string {
	header := sectionHeaders[section]
	if header == nil {
		return nil
	}
	loc := header.FindStringIndex(body)
	if loc == nil {
		return nil
	}
	remaining := body[loc[1]:]
	end := len(remaining)
	if b := nextSectionBoundary.FindStringIndex(remaining); b != nil {
		end = b[0]
	}
	return extractListItems(remaining[:end])
}

func extractListItems(text string) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		matched := false
		for _, re := range listItemPatterns {
			if m := re.FindStringSubmatch(line); m != nil {
				item := strings.TrimSpace(m[1])
				if len(item) > 3 {
					items = append(items, item)
				}
				matched = true
				break
			}
		}
		if !matched && len(trimmed) > 10 && !strings.HasSuffix(trimmed, ":") {
			items = append(items, trimmed)
		}
	}
	return items
}

func extractTags(subject, body string) []string {
	content := strings.ToLower(subject + " " + body)
	var tags []string

	for _, m := range reHashtag.FindAllStringSubmatch(content, -1) {
		tags = append(tags, m[1])
	}
	for _, m := range reMention.FindAllStringSubmatch(content, -1) {
		tags = append(tags, "mention:"+m[1])
	}
	for _, tech := range techKeywords {
		if strings.Contains(content, tech) {
			tags = append(tags, tech)
		}
	}
	for _, m := range reProjectRef.FindAllStringSubmatch(content, -1) {
		tags = append(tags, "project:"+m[1])
	}
	return tags
}

func (p *Parser) extractContext(e Email, body string) map[string]any {
	context := make(map[string]any)
	if e.ThreadID != "" {
		context["is_reply"] = true
		context["thread_id"] = e.ThreadID
	}
	if urls := reURL.FindAllString(body, -1); len(urls) > 0 {
		context["referenced_urls"] = urls
	}
	if blocks := reCodeBlock.FindAllString(body, -1); len(blocks) > 0 {
		context["has_code"] = true
		context["code_blocks_count"] = len(blocks)
	}

	mentionSet := map[string]bool{}
	for _, m := range reMention.FindAllStringSubmatch(body, -1) {
		mentionSet[m[1]] = true
	}
	for _, m := range reEmail.FindAllString(body, -1) {
		mentionSet[m] = true
	}
	if len(mentionSet) > 0 {
		mentions := make([]string, 0, len(mentionSet))
		for m := range mentionSet {
			mentions = append(mentions, m)
		}
		context["mentions"] = mentions
	}

	issueSet := map[string]bool{}
	for _, m := range rePRIssue.FindAllStringSubmatch(body, -1) {
		issueSet[m[1]] = true
	}
	if len(issueSet) > 0 {
		refs := make([]string, 0, len(issueSet))
		for r := range issueSet {
			refs = append(refs, r)
		}
		context["referenced_items"] = refs
	}
	return context
}
