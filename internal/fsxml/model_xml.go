package fsxml

import "encoding/xml"

type Document struct {
	XMLName xml.Name  `xml:"document"`
	Type    string    `xml:"type,attr"`
	Section []Section `xml:"section"`
}

type Section struct {
	Name        string       `xml:"name,attr"`
	Description string       `xml:"description,attr,omitempty"`
	Context     *ContextNode `xml:"context,omitempty"`
	Result      *ResultNode  `xml:"result,omitempty"`
}

type ResultNode struct {
	Status string `xml:"status,attr"`
}

type ContextNode struct {
	Name      string          `xml:"name,attr"`
	Extension []ExtensionNode `xml:"extension"`
}

type ExtensionNode struct {
	Name      string          `xml:"name,attr"`
	Continue  string          `xml:"continue,attr,omitempty"`
	Condition []ConditionNode `xml:"condition"`
}

type ConditionNode struct {
	Field  string       `xml:"field,attr,omitempty"`
	Expr   string       `xml:"expression,attr,omitempty"`
	Action []ActionNode `xml:"action"`
}

type ActionNode struct {
	App  string `xml:"application,attr"`
	Data string `xml:"data,attr,omitempty"`
}
