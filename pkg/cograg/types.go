// Package cograg wraps the retrieval pipeline in a decompose-gather-reason
// loop: an LLM decomposes the question into a bounded sub-question tree,
// every leaf gathers its own evidence through the orchestrator, evidence is
// deduplicated and conflict-marked, and answers are synthesized bottom-up
// under a strict citation discipline. The mind map is the canonical trace
// of a reasoning run.
package cograg

import (
	"context"
	"time"

	"github.com/iurislab/relator/pkg/audit"
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/pipeline"
	"github.com/iurislab/relator/pkg/retrieval"
	"github.com/iurislab/relator/pkg/visibility"
)

// Verification outcomes. Abstention is a first-class result: a low-evidence
// run reports itself instead of producing a confident-looking answer.
const (
	StatusVerified   = "verified"
	StatusUnverified = "unverified"
	StatusAbstain    = "abstain"
)

// Searcher is the slice of the retrieval orchestrator the reasoner needs.
type Searcher interface {
	Search(ctx context.Context, req pipeline.Request) (*retrieval.PipelineResult, error)
}

// Request is one reasoning run.
type Request struct {
	Question string                 `json:"question"`
	Datasets []retrieval.SourceType `json:"datasets,omitempty"`
	Scope    visibility.QueryScope  `json:"scope"`

	// Options forwards per-request pipeline toggles to every leaf search.
	Options *config.OptionsConfig `json:"options,omitempty"`
}

// EvidenceItem is one retrieved chunk attached to a mind-map node, scored
// for quality after deduplication and memory penalties.
type EvidenceItem struct {
	Result    retrieval.Result `json:"result"`
	Hash      string           `json:"hash"`
	Quality   float64          `json:"quality"`
	Penalized bool             `json:"penalized,omitempty"`
}

// Conflict marks two evidence excerpts that take opposite stances on shared
// terms. Intra-node conflicts shape the node's own prompt; cross-node
// conflicts shape the synthesis above both nodes.
type Conflict struct {
	Kind  string `json:"kind"`
	NodeA string `json:"node_a"`
	NodeB string `json:"node_b"`
	RefA  string `json:"ref_a"`
	RefB  string `json:"ref_b"`
	Note  string `json:"note,omitempty"`
}

const (
	conflictIntra = "intra"
	conflictCross = "cross"
)

// Node is one question in the mind map. Leaves carry retrieved evidence;
// interior nodes synthesize their children. IDs are hierarchical ("q",
// "q.1", "q.1.2") so conflict records and sub-answers stay addressable.
type Node struct {
	ID         string  `json:"id"`
	Question   string  `json:"question"`
	Depth      int     `json:"depth"`
	Complexity float64 `json:"complexity"`

	Children []*Node `json:"children,omitempty"`

	Evidence []EvidenceItem          `json:"evidence,omitempty"`
	Graph    retrieval.GraphEvidence `json:"graph,omitempty"`

	Answer     string   `json:"answer,omitempty"`
	Confidence float64  `json:"confidence"`
	Citations  []string `json:"citations,omitempty"`
	Stripped   int      `json:"stripped,omitempty"`
	Issues     []string `json:"issues,omitempty"`
}

// IsLeaf reports whether the node gathers its own evidence.
func (n *Node) IsLeaf() bool { return len(n.Children) == 0 }

// Walk visits the node and every descendant pre-order.
func (n *Node) Walk(fn func(*Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Leaves returns the evidence-bearing nodes in pre-order.
func (n *Node) Leaves() []*Node {
	var out []*Node
	n.Walk(func(node *Node) {
		if node.IsLeaf() {
			out = append(out, node)
		}
	})
	return out
}

// MindMap is the canonical trace of a reasoning run: the full question
// tree with evidence, answers, confidences and conflicts.
type MindMap struct {
	Question  string     `json:"question"`
	Root      *Node      `json:"root"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// SubAnswer is one node's contribution, surfaced for callers that render
// intermediate reasoning.
type SubAnswer struct {
	NodeID     string   `json:"node_id"`
	Question   string   `json:"question"`
	Answer     string   `json:"answer"`
	Confidence float64  `json:"confidence"`
	Citations  []string `json:"citations,omitempty"`
}

// Outcome is the result of one reasoning run.
type Outcome struct {
	RequestID  string      `json:"request_id"`
	Question   string      `json:"question"`
	Answer     string      `json:"answer,omitempty"`
	SubAnswers []SubAnswer `json:"sub_answers,omitempty"`
	MindMap    *MindMap    `json:"mind_map"`

	// Confidence is the average leaf confidence, the abstain gate's input.
	Confidence float64 `json:"confidence"`

	VerificationStatus string   `json:"verification_status"`
	Issues             []string `json:"issues,omitempty"`

	Trace   *audit.Trace  `json:"-"`
	Elapsed time.Duration `json:"elapsed"`
}
