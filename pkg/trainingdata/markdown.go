package trainingdata

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/zylhub/rasa/pkg/engine"
)

// Markdown section types.
const (
	SectionIntent   = "intent"
	SectionSynonym  = "synonym"
	SectionRegex    = "regex"
	SectionLookup   = "lookup"
	SectionResponse = "response"
)

var (
	sectionPattern = regexp.MustCompile(`^##\s*(.*)$`)
	itemPattern    = regexp.MustCompile(`^\s*[-*+]\s+(.*)$`)
	commentPattern = regexp.MustCompile(`(?s)<!--.*?-->`)

	// [text](entity) [text](entity:value) [text]{"entity": ...}
	entityPattern = regexp.MustCompile(
		`\[(?P<text>[^\]]+)\](?:\((?P<entity>[^:)]+)(?::(?P<value>[^)]+))?\)|\{(?P<dict>[^}]+)\})`)
)

type entityDict struct {
	Entity string `json:"entity"`
	Role   string `json:"role,omitempty"`
	Group  string `json:"group,omitempty"`
	Value  string `json:"value,omitempty"`
}

// markdownReader keeps the state of one markdown document.
type markdownReader struct {
	data        *engine.TrainingData
	sectionType string
	sectionName string
	lookupIndex int
}

// ReadMarkdown parses training data in markdown format.
func ReadMarkdown(r io.Reader) (*engine.TrainingData, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read markdown: %w", err)
	}
	return ParseMarkdown(string(raw))
}

// ParseMarkdown parses training data in markdown format. Sections are
// "## intent:<name>", "## synonym:<value>", "## regex:<name>",
// "## lookup:<name>" and "## response:<retrieval intent>"; any other
// section type is an error.
func ParseMarkdown(s string) (*engine.TrainingData, error) {
	md := &markdownReader{data: New(), lookupIndex: -1}

	s = commentPattern.ReplaceAllString(s, "")
	scanner := bufio.NewScanner(strings.NewReader(s))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), " \t\r")

		if m := sectionPattern.FindStringSubmatch(line); m != nil {
			if err := md.startSection(m[1]); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			continue
		}
		m := itemPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if md.sectionType == "" {
			return nil, fmt.Errorf("line %d: list item outside of a section", lineNo)
		}
		if err := md.parseItem(strings.TrimSpace(m[1])); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan markdown: %w", err)
	}
	return md.data, nil
}

func (md *markdownReader) startSection(header string) error {
	kind, name, ok := strings.Cut(header, ":")
	kind = strings.TrimSpace(kind)
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("section header %q must look like \"## <type>:<name>\"", header)
	}

	switch kind {
	case SectionIntent, SectionSynonym, SectionRegex, SectionResponse:
	case SectionLookup:
		md.data.LookupTables = append(md.data.LookupTables, engine.LookupTable{Name: name})
		md.lookupIndex = len(md.data.LookupTables) - 1
	default:
		return fmt.Errorf("unknown section type %q, expected one of %s",
			kind, strings.Join([]string{SectionIntent, SectionSynonym, SectionRegex, SectionLookup, SectionResponse}, ", "))
	}
	md.sectionType, md.sectionName = kind, name
	return nil
}

func (md *markdownReader) parseItem(item string) error {
	switch md.sectionType {
	case SectionIntent:
		ex, synonyms, err := ParseExample(item, md.sectionName)
		if err != nil {
			return err
		}
		for text, value := range synonyms {
			md.data.EntitySynonyms[text] = value
		}
		md.data.Examples = append(md.data.Examples, ex)
	case SectionSynonym:
		md.data.EntitySynonyms[item] = md.sectionName
	case SectionRegex:
		if _, err := regexp.Compile(item); err != nil {
			return fmt.Errorf("invalid regex for %q: %w", md.sectionName, err)
		}
		md.data.RegexFeatures = append(md.data.RegexFeatures, engine.RegexFeature{Name: md.sectionName, Pattern: item})
	case SectionLookup:
		lt := &md.data.LookupTables[md.lookupIndex]
		lt.Elements = append(lt.Elements, item)
	case SectionResponse:
		md.data.Responses[md.sectionName] = append(md.data.Responses[md.sectionName], item)
	}
	return nil
}

// ParseExample turns one annotated example line into a training example.
// It also returns the synonyms implied by annotations whose value differs
// from the annotated text. Braces that are not an entity annotation stay
// in the text.
func ParseExample(line, intent string) (*engine.Message, map[string]string, error) {
	var (
		text     strings.Builder
		entities []engine.Entity
		synonyms map[string]string
		last     int
	)

	names := entityPattern.SubexpNames()
	for _, loc := range entityPattern.FindAllStringSubmatchIndex(line, -1) {
		groups := make(map[string]string, len(names))
		for i, name := range names {
			if name != "" && loc[2*i] >= 0 {
				groups[name] = line[loc[2*i]:loc[2*i+1]]
			}
		}

		text.WriteString(line[last:loc[0]])
		last = loc[1]

		e := engine.Entity{Start: text.Len()}
		text.WriteString(groups["text"])
		e.End = text.Len()

		if dict, ok := groups["dict"]; ok {
			var d entityDict
			if err := json.Unmarshal([]byte("{"+dict+"}"), &d); err != nil {
				return nil, nil, fmt.Errorf("invalid entity annotation {%s}: %w", dict, err)
			}
			if d.Entity == "" {
				return nil, nil, fmt.Errorf("entity annotation {%s} has no entity", dict)
			}
			e.Entity, e.Role, e.Group, e.Value = d.Entity, d.Role, d.Group, d.Value
		} else {
			e.Entity, e.Value = groups["entity"], groups["value"]
		}
		if e.Value == "" {
			e.Value = groups["text"]
		} else if e.Value != groups["text"] {
			if synonyms == nil {
				synonyms = make(map[string]string)
			}
			synonyms[groups["text"]] = e.Value
		}
		entities = append(entities, e)
	}
	text.WriteString(line[last:])

	return NewExample(text.String(), intent, entities), synonyms, nil
}

// NewExample creates a training example. A retrieval intent such as
// "chitchat/ask_name" is stored as the base intent with the full name as
// the response key.
func NewExample(text, intent string, entities []engine.Entity) *engine.Message {
	base, key := engine.SplitRetrievalIntent(intent)
	ex := engine.NewTrainingExample(text, base, entities)
	if key != "" {
		ex.Set(engine.AttrIntentResponseKey, intent, engine.WriterTrainingData)
	}
	return ex
}

// FullIntent returns the intent label of ex including its response key.
func FullIntent(ex *engine.Message) string {
	if key, ok := engine.AttributeValue[string](ex, engine.AttrIntentResponseKey); ok && key != "" {
		return key
	}
	return ex.IntentName()
}

// WriteMarkdown writes data in markdown format. Intent sections appear in
// the order their first example appears.
func WriteMarkdown(w io.Writer, data *engine.TrainingData) error {
	_, err := io.WriteString(w, MarkdownString(data))
	return err
}

// MarkdownString renders data in markdown format.
func MarkdownString(data *engine.TrainingData) string {
	var sections []string

	var order []string
	byIntent := make(map[string][]string)
	for _, ex := range data.IntentExamples() {
		intent := FullIntent(ex)
		if _, ok := byIntent[intent]; !ok {
			order = append(order, intent)
		}
		byIntent[intent] = append(byIntent[intent], FormatExample(ex))
	}
	for _, intent := range order {
		sections = append(sections, section(SectionIntent, intent, byIntent[intent]))
	}

	byValue := make(map[string][]string)
	for text, value := range data.EntitySynonyms {
		byValue[value] = append(byValue[value], text)
	}
	for _, value := range sortedKeys(byValue) {
		variants := byValue[value]
		sort.Strings(variants)
		sections = append(sections, section(SectionSynonym, value, variants))
	}

	var regexOrder []string
	byRegex := make(map[string][]string)
	for _, rf := range data.RegexFeatures {
		if _, ok := byRegex[rf.Name]; !ok {
			regexOrder = append(regexOrder, rf.Name)
		}
		byRegex[rf.Name] = append(byRegex[rf.Name], rf.Pattern)
	}
	for _, name := range regexOrder {
		sections = append(sections, section(SectionRegex, name, byRegex[name]))
	}

	for _, lt := range data.LookupTables {
		sections = append(sections, section(SectionLookup, lt.Name, lt.Elements))
	}
	for _, key := range sortedKeys(data.Responses) {
		sections = append(sections, section(SectionResponse, key, data.Responses[key]))
	}

	return strings.Join(sections, "\n")
}

func section(kind, name string, items []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s:%s\n", kind, name)
	for _, item := range items {
		fmt.Fprintf(&b, "- %s\n", item)
	}
	return b.String()
}

// FormatExample renders the text of ex with its entity annotations.
func FormatExample(ex *engine.Message) string {
	entities := ex.Entities()
	sort.SliceStable(entities, func(i, j int) bool { return entities[i].Start < entities[j].Start })

	var b strings.Builder
	pos := 0
	for _, e := range entities {
		if e.Start < pos || e.End > len(ex.Text) || e.Start >= e.End {
			continue
		}
		b.WriteString(ex.Text[pos:e.Start])
		b.WriteString(formatEntity(ex.Text[e.Start:e.End], e))
		pos = e.End
	}
	b.WriteString(ex.Text[pos:])
	return b.String()
}

func formatEntity(text string, e engine.Entity) string {
	if e.Role == "" && e.Group == "" && (e.Value == "" || e.Value == text) {
		return fmt.Sprintf("[%s](%s)", text, e.Entity)
	}

	// Written by hand to keep the key order stable and readable.
	parts := []string{fmt.Sprintf(`"entity": %s`, quote(e.Entity))}
	if e.Role != "" {
		parts = append(parts, fmt.Sprintf(`"role": %s`, quote(e.Role)))
	}
	if e.Group != "" {
		parts = append(parts, fmt.Sprintf(`"group": %s`, quote(e.Group)))
	}
	if e.Value != "" && e.Value != text {
		parts = append(parts, fmt.Sprintf(`"value": %s`, quote(e.Value)))
	}
	return fmt.Sprintf("[%s]{%s}", text, strings.Join(parts, ", "))
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
