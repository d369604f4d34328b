package toolcall

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

// Marker opens every tool-call fragment.
const Marker = "<tool_call"

// fragmentPattern matches a complete fragment together with the whitespace
// before it and an optional surrounding code fence.
var fragmentPattern = regexp.MustCompile("(?s)\\s*(?:```(?:xml)?\\s*)?<tool_call\\b[^>]*>.*?</tool_call>(?:\\s*```)?")

var openerPattern = regexp.MustCompile(`<tool_call\b`)

var (
	numberPattern   = regexp.MustCompile(`^-?(?:0|[1-9]\d*)(?:\.\d+)?(?:[eE][+-]?\d+)?$`)
	inferredPattern = regexp.MustCompile(`^-?(?:0|[1-9]\d*)(?:\.\d+)?$`)
)

// Codec decodes tool calls, typing argument values by the declared schemas
// of the tools it was built from.
type Codec struct {
	schemas map[string]*schema
}

func NewCodec(tools []openai.Tool) *Codec {
	c := &Codec{schemas: make(map[string]*schema, len(tools))}
	for _, tool := range tools {
		if tool.Function == nil {
			continue
		}
		c.schemas[tool.Function.Name] = parseSchema(tool.Function.Parameters)
	}
	return c
}

// DecodeToolCalls decodes without schemas; values are inferred from their text.
func DecodeToolCalls(output string) ([]openai.ToolCall, string) {
	return (&Codec{}).Decode(output)
}

// Decode extracts every well-formed fragment from output. Fragments that do
// not parse are left in the returned text. When at least one call is found,
// trailing whitespace of the remaining text is trimmed.
func (c *Codec) Decode(output string) ([]openai.ToolCall, string) {
	matches := fragmentPattern.FindAllStringIndex(output, -1)
	if len(matches) == 0 {
		return nil, output
	}

	var (
		calls []openai.ToolCall
		rest  strings.Builder
		last  int
	)

	for _, m := range matches {
		start, call, ok := c.decodeSpan(output, m[0], m[1])
		if !ok {
			continue
		}

		rest.WriteString(output[last:start])
		last = m[1]

		call.Index = lo.ToPtr(len(calls))
		calls = append(calls, call)
	}

	if len(calls) == 0 {
		return nil, output
	}

	rest.WriteString(output[last:])
	return calls, strings.TrimRightFunc(rest.String(), unicode.IsSpace)
}

// decodeSpan decodes output[start:end]. A truncated fragment makes the match
// run on to the closing tag of a later one, so on failure each later opener
// in the span is tried in turn. It returns where the decoded fragment begins,
// including the whitespace in front of it.
func (c *Codec) decodeSpan(output string, start, end int) (int, openai.ToolCall, bool) {
	if call, err := c.decodeFragment(output[start:end]); err == nil {
		return start, call, true
	}

	openers := openerPattern.FindAllStringIndex(output[start:end], -1)
	for i := 1; i < len(openers); i++ {
		at := start + openers[i][0]
		if call, err := c.decodeFragment(output[at:end]); err == nil {
			return max(start, backOverSpace(output, at)), call, true
		}
	}
	return 0, openai.ToolCall{}, false
}

func (c *Codec) decodeFragment(fragment string) (openai.ToolCall, error) {
	start := strings.Index(fragment, Marker)
	end := strings.LastIndex(fragment, "</tool_call>")
	if start < 0 || end < start {
		return openai.ToolCall{}, errors.New("fragment has no tool_call element")
	}

	root, err := parseTree(fragment[start : end+len("</tool_call>")])
	if err != nil {
		return openai.ToolCall{}, fmt.Errorf("parse tool call: %w", err)
	}

	name := strings.TrimSpace(root.attrs["name"])
	if n := root.child("name"); n != nil {
		name = strings.TrimSpace(n.text.String())
	}
	if name == "" {
		return openai.ToolCall{}, errors.New("tool call has no name")
	}

	params := root.child("parameters")
	if params == nil {
		params = root.child("arguments")
	}
	if params == nil {
		params = &node{children: lo.Filter(root.children, func(n *node, _ int) bool { return n.name != "name" })}
	}

	args := objectValue(params.children, c.schemas[name])
	data, err := json.Marshal(args)
	if err != nil {
		return openai.ToolCall{}, fmt.Errorf("marshal arguments: %w", err)
	}

	return openai.ToolCall{
		ID:   NewCallID(),
		Type: openai.ToolTypeFunction,
		Function: openai.FunctionCall{
			Name:      name,
			Arguments: string(data),
		},
	}, nil
}

// NewCallID returns an id in the call_<hex> shape clients expect.
func NewCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

type node struct {
	name     string
	attrs    map[string]string
	text     strings.Builder
	children []*node
}

func (n *node) child(name string) *node {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func parseTree(fragment string) (*node, error) {
	dec := xml.NewDecoder(strings.NewReader(fragment))
	dec.Strict = false
	dec.Entity = xml.HTMLEntity

	var (
		root  *node
		stack []*node
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name.Local, attrs: make(map[string]string, len(t.Attr))}
			for _, a := range t.Attr {
				n.attrs[a.Name.Local] = a.Value
			}

			switch {
			case len(stack) > 0:
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			case root == nil:
				root = n
			default:
				return nil, errors.New("multiple root elements")
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, errors.New("unbalanced end element")
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}

	if root == nil || len(stack) != 0 {
		return nil, errors.New("incomplete element")
	}
	return root, nil
}

// objectValue groups children by tag name; a repeated tag becomes an array.
func objectValue(children []*node, s *schema) map[string]any {
	groups := make(map[string][]*node)
	var order []string
	for _, c := range children {
		if _, seen := groups[c.name]; !seen {
			order = append(order, c.name)
		}
		groups[c.name] = append(groups[c.name], c)
	}

	out := make(map[string]any, len(order))
	for _, name := range order {
		out[name] = groupValue(groups[name], s.property(name))
	}
	return out
}

func groupValue(nodes []*node, s *schema) any {
	if len(nodes) == 1 {
		return nodeValue(nodes[0], s)
	}

	itemSchema := s
	if s.declaredType() == jsonschema.Array {
		itemSchema = s.items()
	}
	return lo.Map(nodes, func(n *node, _ int) any { return nodeValue(n, itemSchema) })
}

func nodeValue(n *node, s *schema) any {
	t := s.declaredType()

	if len(n.children) > 0 {
		if t == jsonschema.Array || allItems(n.children) {
			return lo.Map(n.children, func(c *node, _ int) any { return nodeValue(c, s.items()) })
		}
		return objectValue(n.children, s)
	}

	text := strings.TrimSpace(n.text.String())

	switch t {
	case jsonschema.String:
		return text
	case jsonschema.Number, jsonschema.Integer:
		if numberPattern.MatchString(text) {
			return json.Number(text)
		}
		return text
	case jsonschema.Boolean:
		if b, err := strconv.ParseBool(strings.ToLower(text)); err == nil {
			return b
		}
		return text
	case jsonschema.Array:
		var arr []any
		if err := json.Unmarshal([]byte(text), &arr); err == nil {
			return arr
		}
		if text == "" {
			return []any{}
		}
		return []any{scalarValue(text, s.items())}
	case jsonschema.Object:
		var obj map[string]any
		if err := json.Unmarshal([]byte(text), &obj); err == nil {
			return obj
		}
		return text
	default:
		return inferValue(text)
	}
}

func scalarValue(text string, s *schema) any {
	return nodeValue(textNode(text), s)
}

func textNode(text string) *node {
	n := &node{}
	n.text.WriteString(text)
	return n
}

func allItems(children []*node) bool {
	return lo.EveryBy(children, func(c *node) bool { return c.name == "item" })
}

// inferValue types untyped text: literal true/false are booleans and plain
// decimal literals are numbers.
func inferValue(text string) any {
	switch text {
	case "true":
		return true
	case "false":
		return false
	}
	if inferredPattern.MatchString(text) {
		return json.Number(text)
	}
	return text
}
