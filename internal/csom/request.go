// Package csom encodes SharePoint client-side object model (CSOM) ProcessQuery
// requests and decodes their JSON responses.
//
// A request is an object-path graph: object paths (constructors, method
// results, properties) are declared under <ObjectPaths>, referenced from
// <Actions>, and methods are invoked on them. Request hands out ObjectPath
// handles so that every reference in the document points at a node that was
// declared earlier in the same request.
package csom

import (
	"encoding/xml"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// Namespace is the clientquery XML namespace of the Request element.
	Namespace = "http://schemas.microsoft.com/sharepoint/clientquery/2009"

	SchemaVersion  = "15.0.0.0"
	LibraryVersion = "16.0.0.0"

	// FirstID is the first id handed out in a request.
	FirstID = 23
)

// ErrForeignObjectPath is returned when a handle from another request (or a
// zero ObjectPath) is used as a parent or call target.
var ErrForeignObjectPath = errors.New("csom: object path does not belong to this request")

// Param is a typed method argument. Values are escaped when the request is
// marshalled, never before.
type Param struct {
	typ   string
	value string
}

// String returns a String-typed parameter.
func String(v string) Param {
	return Param{typ: "String", value: v}
}

// Type returns the CSOM type name of the parameter.
func (p Param) Type() string { return p.typ }

// Value returns the unescaped parameter value.
func (p Param) Value() string { return p.value }

// ObjectPath is a handle to an object path declared in a Request.
type ObjectPath struct {
	id    int
	owner *Request
}

// ID returns the object path id.
func (p ObjectPath) ID() int { return p.id }

// Request builds a single ProcessQuery document.
type Request struct {
	applicationName string
	nextID          int
	actions         []any
	paths           []any
	err             error
}

// NewRequest starts an empty request that will carry applicationName in its
// ApplicationName attribute.
func NewRequest(applicationName string) *Request {
	return &Request{
		applicationName: applicationName,
		nextID:          FirstID,
	}
}

func (r *Request) allocID() int {
	id := r.nextID
	r.nextID++
	return id
}

func (r *Request) owns(p ObjectPath) bool {
	if p.owner != r {
		if r.err == nil {
			r.err = fmt.Errorf("%w (id %d)", ErrForeignObjectPath, p.id)
		}
		return false
	}
	return true
}

// declare registers an object path node and its <ObjectPath> action reference.
func (r *Request) declare(node func(id int) any) ObjectPath {
	id := r.allocID()
	r.paths = append(r.paths, node(id))
	r.actions = append(r.actions, objectPathAction{ID: r.allocID(), ObjectPathID: id})
	return ObjectPath{id: id, owner: r}
}

// Constructor declares a static constructor of the type identified by typeID.
func (r *Request) Constructor(typeID uuid.UUID) ObjectPath {
	return r.declare(func(id int) any {
		return constructorPath{ID: id, TypeID: "{" + typeID.String() + "}"}
	})
}

// Method declares the result of calling name on parent as a new object path.
func (r *Request) Method(parent ObjectPath, name string, params ...Param) ObjectPath {
	r.owns(parent)
	return r.declare(func(id int) any {
		return methodPath{ID: id, ParentID: parent.id, Name: name, Parameters: encodeParams(params)}
	})
}

// Property declares property name of parent as a new object path.
func (r *Request) Property(parent ObjectPath, name string) ObjectPath {
	r.owns(parent)
	return r.declare(func(id int) any {
		return propertyPath{ID: id, ParentID: parent.id, Name: name}
	})
}

// Call adds an invocation of method name on target and returns the action id.
func (r *Request) Call(target ObjectPath, name string, params ...Param) int {
	r.owns(target)
	id := r.allocID()
	r.actions = append(r.actions, methodAction{
		Name:         name,
		ID:           id,
		ObjectPathID: target.id,
		Parameters:   encodeParams(params),
	})
	return id
}

// Marshal renders the request document.
func (r *Request) Marshal() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	if err := r.checkText(); err != nil {
		return nil, err
	}
	doc := requestDoc{
		AddExpandoFieldTypeSuffix: true,
		SchemaVersion:             SchemaVersion,
		LibraryVersion:            LibraryVersion,
		ApplicationName:           r.applicationName,
		Actions:                   nodeList{Nodes: r.actions},
		ObjectPaths:               nodeList{Nodes: r.paths},
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("csom: marshal request: %w", err)
	}
	return out, nil
}

// checkText rejects values that have no XML 1.0 representation. encoding/xml
// would silently replace them with U+FFFD.
func (r *Request) checkText() error {
	if !isXMLText(r.applicationName) {
		return fmt.Errorf("csom: application name contains characters not allowed in XML")
	}
	check := func(ps parameters) error {
		for i, p := range ps.Items {
			if !isXMLText(p.Value) {
				return fmt.Errorf("csom: parameter %d contains characters not allowed in XML", i)
			}
		}
		return nil
	}
	for _, n := range append(append([]any{}, r.paths...), r.actions...) {
		var err error
		switch v := n.(type) {
		case methodPath:
			err = check(v.Parameters)
		case methodAction:
			err = check(v.Parameters)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func isXMLText(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, c := range s {
		switch {
		case c == 0x9 || c == 0xA || c == 0xD:
		case c >= 0x20 && c <= 0xD7FF:
		case c >= 0xE000 && c <= 0xFFFD:
		case c >= 0x10000 && c <= 0x10FFFF:
		default:
			return false
		}
	}
	return true
}

func encodeParams(params []Param) parameters {
	out := parameters{Items: make([]parameter, 0, len(params))}
	for _, p := range params {
		out.Items = append(out.Items, parameter{Type: p.typ, Value: p.value})
	}
	return out
}

type requestDoc struct {
	XMLName                   xml.Name `xml:"http://schemas.microsoft.com/sharepoint/clientquery/2009 Request"`
	AddExpandoFieldTypeSuffix bool     `xml:"AddExpandoFieldTypeSuffix,attr"`
	SchemaVersion             string   `xml:"SchemaVersion,attr"`
	LibraryVersion            string   `xml:"LibraryVersion,attr"`
	ApplicationName           string   `xml:"ApplicationName,attr"`
	Actions                   nodeList `xml:"Actions"`
	ObjectPaths               nodeList `xml:"ObjectPaths"`
}

// nodeList keeps heterogeneous children in insertion order; each node names
// its own element through XMLName.
type nodeList struct {
	Nodes []any
}

type objectPathAction struct {
	XMLName      xml.Name `xml:"ObjectPath"`
	ID           int      `xml:"Id,attr"`
	ObjectPathID int      `xml:"ObjectPathId,attr"`
}

type methodAction struct {
	XMLName      xml.Name   `xml:"Method"`
	Name         string     `xml:"Name,attr"`
	ID           int        `xml:"Id,attr"`
	ObjectPathID int        `xml:"ObjectPathId,attr"`
	Parameters   parameters `xml:"Parameters"`
}

type constructorPath struct {
	XMLName xml.Name `xml:"Constructor"`
	ID      int      `xml:"Id,attr"`
	TypeID  string   `xml:"TypeId,attr"`
}

type methodPath struct {
	XMLName    xml.Name   `xml:"Method"`
	ID         int        `xml:"Id,attr"`
	ParentID   int        `xml:"ParentId,attr"`
	Name       string     `xml:"Name,attr"`
	Parameters parameters `xml:"Parameters"`
}

type propertyPath struct {
	XMLName  xml.Name `xml:"Property"`
	ID       int      `xml:"Id,attr"`
	ParentID int      `xml:"ParentId,attr"`
	Name     string   `xml:"Name,attr"`
}

type parameters struct {
	Items []parameter `xml:"Parameter"`
}

type parameter struct {
	Type  string `xml:"Type,attr"`
	Value string `xml:",chardata"`
}
