package argument

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

type NodeType string

const (
	NodeClaim           NodeType = "claim"
	NodeEvidence        NodeType = "evidence"
	NodeCounterargument NodeType = "counterargument"
	NodeJustification   NodeType = "justification"
	NodeQuestion        NodeType = "question"
)

type Relation string

const (
	RelationSupports   Relation = "supports"
	RelationRefutes    Relation = "refutes"
	RelationExtends    Relation = "extends"
	RelationRespondsTo Relation = "responds_to"
)

type Node struct {
	ID        string    `json:"id"`
	Type      NodeType  `json:"type"`
	Content   string    `json:"content"`
	Speaker   string    `json:"speaker"`
	Timestamp time.Time `json:"timestamp"`
}

type Edge struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Relation Relation `json:"relation"`
}

type Graph struct {
	Nodes          []Node `json:"nodes"`
	Edges          []Edge `json:"edges"`
	CoherenceScore int    `json:"coherence_score"`
	Complexity     int    `json:"complexity"`
}

// Builder grows the argument graph of one session. It is owned by the
// session and is not safe for concurrent use.
type Builder struct {
	classifier Classifier
	newID      func() string

	nodes          []Node
	edges          []Edge
	lastQuestionID string
	lastClaimID    string
}

func NewBuilder(classifier Classifier) *Builder {
	if classifier == nil {
		classifier = DefaultClassifier()
	}
	return &Builder{classifier: classifier, newID: uuid.NewString}
}

// AddUserTurn classifies text and links it: claims respond to the latest
// assistant question, evidence supports the latest claim.
func (b *Builder) AddUserTurn(text string, at time.Time) Node {
	node := Node{
		ID:        b.newID(),
		Type:      b.classifier.Classify(text),
		Content:   text,
		Speaker:   "user",
		Timestamp: at,
	}
	b.nodes = append(b.nodes, node)

	switch node.Type {
	case NodeClaim:
		if b.lastQuestionID != "" {
			b.edges = append(b.edges, Edge{From: node.ID, To: b.lastQuestionID, Relation: RelationRespondsTo})
		}
		b.lastClaimID = node.ID
	case NodeEvidence:
		if b.lastClaimID != "" {
			b.edges = append(b.edges, Edge{From: node.ID, To: b.lastClaimID, Relation: RelationSupports})
		}
	}
	return node
}

// AddAssistantTurn records a question node when text asks something.
func (b *Builder) AddAssistantTurn(text string, at time.Time) (Node, bool) {
	if !strings.Contains(text, "?") {
		return Node{}, false
	}
	node := Node{
		ID:        b.newID(),
		Type:      NodeQuestion,
		Content:   text,
		Speaker:   "assistant",
		Timestamp: at,
	}
	b.nodes = append(b.nodes, node)
	b.lastQuestionID = node.ID
	return node, true
}

// Graph returns a copy of the current graph with derived scores.
func (b *Builder) Graph() Graph {
	g := Graph{
		Nodes: append([]Node(nil), b.nodes...),
		Edges: append([]Edge(nil), b.edges...),
	}
	g.CoherenceScore = Coherence(g.Nodes, g.Edges)
	g.Complexity = len(g.Nodes) + len(g.Edges)
	return g
}

// Coherence scores a graph in [0,100]:
// round(100 * (0.5*connectedNodeRatio + 0.5*min(1, evidence/claims))).
func Coherence(nodes []Node, edges []Edge) int {
	if len(nodes) == 0 {
		return 0
	}
	touched := make(map[string]struct{}, len(edges)*2)
	for _, e := range edges {
		touched[e.From] = struct{}{}
		touched[e.To] = struct{}{}
	}
	var connected, claims, evidence int
	for _, n := range nodes {
		if _, ok := touched[n.ID]; ok {
			connected++
		}
		switch n.Type {
		case NodeClaim:
			claims++
		case NodeEvidence:
			evidence++
		}
	}
	connectedRatio := float64(connected) / float64(len(nodes))
	var evidenceRatio float64
	if claims > 0 {
		evidenceRatio = math.Min(1, float64(evidence)/float64(claims))
	}
	score := int(math.Round(100 * (0.5*connectedRatio + 0.5*evidenceRatio)))
	return max(0, min(100, score))
}
