// Package toolcall translates OpenAI tool definitions into the XML block the
// vendor model is prompted with, and extracts XML tool calls from its output.
package toolcall

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Instruction is appended after the tools block.
const Instruction = `You can call the tools listed above. To call a tool, reply with a block in exactly this format:
<tool_call>
<name>TOOL_NAME</name>
<parameters>
<PARAMETER_NAME>value</PARAMETER_NAME>
</parameters>
</tool_call>
Write array values as repeated <item> children, for example <tags><item>a</item><item>b</item></tags>. Write object values as nested tags named after their keys. You may emit several tool_call blocks. Do not wrap them in code fences and do not invent tools that are not listed.`

// EncodeTools renders tools as a <tools> block. Tools without a function
// definition are skipped.
func EncodeTools(tools []openai.Tool) string {
	var b strings.Builder

	b.WriteString("<tools>\n")
	for _, tool := range tools {
		if tool.Function == nil {
			continue
		}

		b.WriteString("<tool>\n")
		writeElement(&b, "name", tool.Function.Name)
		if tool.Function.Description != "" {
			writeElement(&b, "description", tool.Function.Description)
		}

		params := parseSchema(tool.Function.Parameters)
		b.WriteString("<parameters>\n")
		if params != nil {
			writeProperties(&b, params)
		}
		b.WriteString("</parameters>\n")
		b.WriteString("</tool>\n")
	}
	b.WriteString("</tools>")

	return b.String()
}

// PromptBlock is the tools block followed by the call instruction.
func PromptBlock(tools []openai.Tool) string {
	return EncodeTools(tools) + "\n\n" + Instruction
}

func writeProperties(b *strings.Builder, s *schema) {
	for _, name := range s.propertyNames() {
		writeParameter(b, name, s.Properties[name], s.isRequired(name))
	}
}

func writeParameter(b *strings.Builder, name string, s *schema, required bool) {
	fmt.Fprintf(b, `<parameter name="%s" type="%s" required="%t"`, escape(name), s.encodedType(), required)

	if !hasNested(s) {
		if s == nil || s.Description == "" {
			b.WriteString("/>\n")
			return
		}
		b.WriteString(">")
		b.WriteString(escape(s.Description))
		b.WriteString("</parameter>\n")
		return
	}

	b.WriteString(">\n")
	writeNested(b, s)
	b.WriteString("</parameter>\n")
}

func hasNested(s *schema) bool {
	if s == nil || s.isCombinator() {
		return false
	}
	return len(s.Enum) > 0 || s.Items != nil || len(s.Properties) > 0
}

func writeNested(b *strings.Builder, s *schema) {
	if s.Description != "" {
		writeElement(b, "description", s.Description)
	}

	if len(s.Enum) > 0 {
		b.WriteString("<enum>")
		for _, v := range s.Enum {
			b.WriteString("<value>")
			b.WriteString(escape(enumValue(v)))
			b.WriteString("</value>")
		}
		b.WriteString("</enum>\n")
	}

	if items := s.items(); items != nil {
		fmt.Fprintf(b, `<items type="%s"`, items.encodedType())
		if hasNested(items) {
			b.WriteString(">\n")
			writeNested(b, items)
			b.WriteString("</items>\n")
		} else {
			b.WriteString("/>\n")
		}
	}

	if len(s.Properties) > 0 {
		b.WriteString("<properties>\n")
		writeProperties(b, s)
		b.WriteString("</properties>\n")
	}
}

func enumValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func writeElement(b *strings.Builder, name, text string) {
	fmt.Fprintf(b, "<%s>%s</%s>\n", name, escape(text), name)
}

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func escape(s string) string {
	return escaper.Replace(s)
}

// EncodeToolResult renders one tool-role message for the vendor.
func EncodeToolResult(callID, name, content string) string {
	var b strings.Builder

	b.WriteString("<tool_result")
	if callID != "" {
		fmt.Fprintf(&b, ` id="%s"`, escape(callID))
	}
	if name != "" {
		fmt.Fprintf(&b, ` name="%s"`, escape(name))
	}
	b.WriteString(">")
	b.WriteString(escape(content))
	b.WriteString("</tool_result>")

	return b.String()
}
