package jira

import "strings"

// ADFToText flattens an Atlassian Document Format body into plain text.
// Jira Cloud returns comment bodies as a recursive node tree; older servers
// return plain strings, which pass through unchanged. Unknown node types
// render as nothing so future ADF extensions degrade instead of breaking.
func ADFToText(body any) string {
    if body == nil { return "" }
    if s, ok := body.(string); ok { return s }
    return collapseWhitespace(renderNode(body))
}

func renderNode(node any) string {
    m, ok := node.(map[string]any)
    if !ok { return "" }
    typ, _ := m["type"].(string)
    switch typ {
    case "text":
        s, _ := m["text"].(string)
        return s
    case "hardBreak":
        return "\n"
    case "mention":
        if attrs, ok := m["attrs"].(map[string]any); ok {
            if t, ok := attrs["text"].(string); ok { return t }
        }
        return ""
    case "emoji":
        if attrs, ok := m["attrs"].(map[string]any); ok {
            if t, ok := attrs["shortName"].(string); ok { return t }
        }
        return ""
    default:
        // doc, paragraph, and any container-ish node: join rendered children
        content, _ := m["content"].([]any)
        if len(content) == 0 { return "" }
        parts := make([]string, 0, len(content))
        for _, child := range content {
            if r := strings.TrimSpace(renderNode(child)); r != "" { parts = append(parts, r) }
        }
        return strings.Join(parts, " ")
    }
}

func collapseWhitespace(s string) string {
    return strings.Join(strings.Fields(s), " ")
}

// TextToADF builds the document Jira expects for an outbound comment: one
// paragraph per non-blank line. Jira rejects comments with no content, so
// blank input yields a single placeholder paragraph.
func TextToADF(text string) map[string]any {
    var paras []any
    for _, line := range strings.Split(text, "\n") {
        line = strings.TrimSpace(line)
        if line == "" { continue }
        paras = append(paras, map[string]any{
            "type":    "paragraph",
            "content": []any{map[string]any{"type": "text", "text": line}},
        })
    }
    if len(paras) == 0 {
        paras = append(paras, map[string]any{
            "type":    "paragraph",
            "content": []any{map[string]any{"type": "text", "text": "Logged work"}},
        })
    }
    return map[string]any{
        "type":    "doc",
        "version": 1,
        "content": paras,
    }
}
