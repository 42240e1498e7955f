package dispatch

// Target enumerates the client display regions a patch may rewrite. The
// protocol is closed: a patch describes data, never executable payloads.
type Target string

const (
	TargetDocumentName   Target = "documentName"
	TargetEntities       Target = "entities"
	TargetComponents     Target = "components"
	TargetVariableFields Target = "variableFields"
	TargetOperators      Target = "operators"
	TargetOperatorFields Target = "operatorFields"
	TargetMetrics        Target = "metrics"
	TargetMetricValues   Target = "metricValues"
	TargetSimOutput      Target = "simOutput"
	TargetPlot           Target = "plot"
	TargetDownload       Target = "download"
)

// Patch rewrites one display region: its listing, its selection, and any
// associated input-field contents. The client applies patches unconditionally
// in order; it never merges or diffs.
type Patch struct {
	Target   Target            `json:"target"`
	Items    []string          `json:"items,omitempty"`
	Selected []int             `json:"selected,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Program is one self-contained UI update: the full description of how the
// display must change to reflect the new authoritative state.
type Program struct {
	Patches []Patch `json:"patches"`
}

func (p *Program) add(patch Patch) { p.Patches = append(p.Patches, patch) }

// Response is the wire result of one dispatched operation. Exactly one of
// Patch and Error is set: on error the client state stays unchanged apart
// from the error display.
type Response struct {
	Patch *Program `json:"patch,omitempty"`
	Error string   `json:"error,omitempty"`
}

// Request is the JSON-like payload of one operation. Fields are a union over
// all ops; each handler reads the ones its op requires.
type Request struct {
	Op            string   `json:"op"`
	Name          string   `json:"name,omitempty"`
	NewName       string   `json:"newName,omitempty"`
	Up            bool     `json:"up,omitempty"`
	Names         []string `json:"names,omitempty"`
	Indices       []int    `json:"indices,omitempty"`
	Key           string   `json:"key,omitempty"`
	Value         any      `json:"value,omitempty"`
	NewKey        string   `json:"newKey,omitempty"`
	NewValue      any      `json:"newValue,omitempty"`
	Query         string   `json:"query,omitempty"`
	Ticks         int      `json:"ticks,omitempty"`
	Expression    string   `json:"expression,omitempty"`
	Metrics       []string `json:"metrics,omitempty"`
	Visualization string   `json:"visualization,omitempty"`
	Format        string   `json:"format,omitempty"`
	Content       string   `json:"content,omitempty"`
}
