package pipeline

import (
	"fmt"

	"github.com/siphonlog/siphon/models"
)

// RawLog holds the unparsed request/response bodies fetched from blob
// storage.
type RawLog struct {
	RequestBody  string
	ResponseBody string
}

// ProcessedBody is one parsed, normalized body half.
type ProcessedBody struct {
	Body   string
	Model  string
	// Assets maps asset id to its source (URL or inline base64 data URI).
	Assets map[string]string
}

// ProcessedLog pairs the processed request and response halves plus fields
// derived from both.
type ProcessedLog struct {
	Request  ProcessedBody
	Response ProcessedBody
	// Model is the effective model name after override resolution.
	Model      string
	Properties map[string]string
	Scores     map[string]int
}

// Context wraps one Message for one chain traversal. Derived fields are
// write-once: a second write is a programming error and fails loudly instead
// of silently overwriting another stage's output. A Context is exclusively
// owned by its one in-flight traversal.
type Context struct {
	Message models.Message

	authParams        *models.AuthParams
	orgParams         *models.OrgParams
	usage             *models.Usage
	rawLog            *RawLog
	processedRequest  *ProcessedBody
	processedResponse *ProcessedBody
	promptTemplate    *string
	model             string
}

func NewContext(msg models.Message) *Context {
	return &Context{Message: msg}
}

func alreadySet(field string) error {
	return fmt.Errorf("context field %q already set", field)
}

func (c *Context) SetAuthParams(p models.AuthParams) error {
	if c.authParams != nil {
		return alreadySet("authParams")
	}
	c.authParams = &p
	return nil
}

func (c *Context) AuthParams() *models.AuthParams { return c.authParams }

func (c *Context) SetOrgParams(p models.OrgParams) error {
	if c.orgParams != nil {
		return alreadySet("orgParams")
	}
	c.orgParams = &p
	return nil
}

func (c *Context) OrgParams() *models.OrgParams { return c.orgParams }

func (c *Context) SetUsage(u models.Usage) error {
	if c.usage != nil {
		return alreadySet("usage")
	}
	c.usage = &u
	return nil
}

func (c *Context) Usage() *models.Usage { return c.usage }

func (c *Context) SetRawLog(r RawLog) error {
	if c.rawLog != nil {
		return alreadySet("rawLog")
	}
	c.rawLog = &r
	return nil
}

func (c *Context) RawLog() *RawLog { return c.rawLog }

func (c *Context) SetProcessedRequest(b ProcessedBody) error {
	if c.processedRequest != nil {
		return alreadySet("processedLog.request")
	}
	c.processedRequest = &b
	return nil
}

func (c *Context) ProcessedRequest() *ProcessedBody { return c.processedRequest }

func (c *Context) SetProcessedResponse(b ProcessedBody) error {
	if c.processedResponse != nil {
		return alreadySet("processedLog.response")
	}
	c.processedResponse = &b
	return nil
}

func (c *Context) ProcessedResponse() *ProcessedBody { return c.processedResponse }

// SetPromptTemplate records the sanitized, asset-substituted template. The
// Message's own template stays untouched.
func (c *Context) SetPromptTemplate(template string) error {
	if c.promptTemplate != nil {
		return alreadySet("promptTemplate")
	}
	c.promptTemplate = &template
	return nil
}

func (c *Context) PromptTemplate() *string { return c.promptTemplate }

func (c *Context) SetModel(model string) error {
	if c.model != "" {
		return alreadySet("model")
	}
	c.model = model
	return nil
}

// Model resolves the effective model name: explicit override first, then the
// model extracted from the response, then the request.
func (c *Context) Model() string {
	if o := c.Message.Meta.ModelOverride; o != "" {
		return o
	}
	if c.model != "" {
		return c.model
	}
	if c.processedResponse != nil && c.processedResponse.Model != "" {
		return c.processedResponse.Model
	}
	if c.processedRequest != nil {
		return c.processedRequest.Model
	}
	return ""
}
