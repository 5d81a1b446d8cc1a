// Package render turns manifest templates into Kubernetes objects bound to a
// single deployment: image reference, namespace and cluster.
package render

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/savaki/eks-deployer/internal/constants"
	"github.com/savaki/eks-deployer/internal/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"
)

var documentSeparator = regexp.MustCompile(`(?m)^---[ \t]*(#.*)?$`)

// clusterScoped kinds never carry a namespace
var clusterScoped = map[string]bool{
	"APIService":                     true,
	"ClusterRole":                    true,
	"ClusterRoleBinding":             true,
	"CustomResourceDefinition":       true,
	"IngressClass":                   true,
	"MutatingWebhookConfiguration":   true,
	"Namespace":                      true,
	"PersistentVolume":               true,
	"PriorityClass":                  true,
	"StorageClass":                   true,
	"ValidatingWebhookConfiguration": true,
}

// IsClusterScoped reports whether kind is a cluster scoped resource
func IsClusterScoped(kind string) bool {
	return clusterScoped[kind]
}

// Values are exposed to templates, e.g. {{ .Image }} or {{ .Values.replicas }}
type Values struct {
	App          string
	Env          string
	Namespace    string
	Cluster      string
	Region       string
	Account      string
	Image        string // full reference, preferably repo@digest
	Repository   string // repository name without the registry host, e.g. team/hello
	ImageTag     string
	Digest       string
	DeploymentID string
	Values       map[string]any
}

// Document is one rendered object and where it came from
type Document struct {
	Source string // template name and document index, e.g. deployment.yaml#0
	Object *unstructured.Unstructured
}

// Renderer renders manifest templates
type Renderer struct {
	managedBy string
	labels    map[string]string
}

// Option customizes a Renderer
type Option func(*Renderer)

// WithLabels adds labels to every rendered object
func WithLabels(labels map[string]string) Option {
	return func(r *Renderer) {
		for k, v := range labels {
			r.labels[k] = v
		}
	}
}

// WithManagedBy overrides the app.kubernetes.io/managed-by label value
func WithManagedBy(managedBy string) Option {
	return func(r *Renderer) {
		r.managedBy = managedBy
	}
}

// New returns a Renderer
func New(opts ...Option) *Renderer {
	r := &Renderer{
		managedBy: constants.AppName,
		labels:    map[string]string{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RenderText executes a template and returns the text. Referencing an
// undefined value is an error.
func (r *Renderer) RenderText(name, text string, values Values) (string, error) {
	tmpl, err := template.New(name).
		Option("missingkey=error").
		Funcs(sprig.TxtFuncMap()).
		Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", name, err)
	}

	if values.Values == nil {
		values.Values = map[string]any{}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, values); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", name, err)
	}
	return buf.String(), nil
}

// Render executes a manifest template and decodes every YAML document in the
// output into an object scoped to values.Namespace
func (r *Renderer) Render(name, text string, values Values) ([]Document, error) {
	rendered, err := r.RenderText(name, text, values)
	if err != nil {
		return nil, err
	}

	return decode(name, rendered, func(source string, obj *unstructured.Unstructured) error {
		return r.finalize(source, obj, values)
	})
}

// Decode parses an already rendered YAML stream, such as the output of Encode.
// Objects are checked for apiVersion, kind and name but otherwise left as is.
func Decode(name string, data []byte) ([]Document, error) {
	return decode(name, string(data), requireIdentity)
}

func decode(name, text string, finalize func(source string, obj *unstructured.Unstructured) error) ([]Document, error) {
	var docs []Document
	for i, chunk := range documentSeparator.Split(text, -1) {
		source := fmt.Sprintf("%s#%d", name, i)

		var content map[string]any
		if err := yaml.Unmarshal([]byte(chunk), &content); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errors.ErrInvalidManifest, source, err)
		}
		if len(content) == 0 {
			continue
		}

		obj := &unstructured.Unstructured{Object: content}
		if err := finalize(source, obj); err != nil {
			return nil, err
		}
		docs = append(docs, Document{Source: source, Object: obj})
	}

	return docs, nil
}

// RenderFile renders the manifest template at path
func (r *Renderer) RenderFile(path string, values Values) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}
	return r.Render(filepath.Base(path), string(data), values)
}

func requireIdentity(source string, obj *unstructured.Unstructured) error {
	switch {
	case obj.GetAPIVersion() == "":
		return fmt.Errorf("%w: %s: missing apiVersion", errors.ErrInvalidManifest, source)
	case obj.GetKind() == "":
		return fmt.Errorf("%w: %s: missing kind", errors.ErrInvalidManifest, source)
	case obj.GetName() == "":
		return fmt.Errorf("%w: %s: missing metadata.name", errors.ErrInvalidManifest, source)
	}
	return nil
}

func (r *Renderer) finalize(source string, obj *unstructured.Unstructured, values Values) error {
	if err := requireIdentity(source, obj); err != nil {
		return err
	}

	if !IsClusterScoped(obj.GetKind()) && values.Namespace != "" {
		switch ns := obj.GetNamespace(); ns {
		case "":
			obj.SetNamespace(values.Namespace)
		case values.Namespace:
		default:
			return fmt.Errorf("%w: %s %s/%s targets namespace %q, want %q",
				errors.ErrNamespaceMismatch, source, obj.GetKind(), obj.GetName(), ns, values.Namespace)
		}
	}

	labels, err := stringMap(source, obj, "labels")
	if err != nil {
		return err
	}
	for k, v := range r.labels {
		labels[k] = v
	}
	labels[constants.LabelManagedBy] = r.managedBy
	if _, ok := labels[constants.LabelName]; !ok && values.App != "" {
		labels[constants.LabelName] = values.App
	}
	obj.SetLabels(labels)

	annotations, err := stringMap(source, obj, "annotations")
	if err != nil {
		return err
	}
	if values.DeploymentID != "" {
		annotations[constants.AnnotationDeploymentID] = values.DeploymentID
	}
	if obj.GetKind() == "Deployment" && values.Image != "" {
		annotations[constants.AnnotationImage] = values.Image
	}
	if len(annotations) > 0 {
		obj.SetAnnotations(annotations)
	}

	return nil
}

// stringMap reads metadata.{field}. Non-string values are rejected rather
// than dropped, e.g. an unquoted version: 1 label.
func stringMap(source string, obj *unstructured.Unstructured, field string) (map[string]string, error) {
	m, _, err := unstructured.NestedStringMap(obj.Object, "metadata", field)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s/%s: metadata.%s must map strings to strings (quote numbers and booleans): %v",
			errors.ErrInvalidManifest, source, obj.GetKind(), obj.GetName(), field, err)
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}

// Encode writes documents as a single YAML stream
func Encode(docs []Document) ([]byte, error) {
	var parts []string
	for _, doc := range docs {
		data, err := yaml.Marshal(doc.Object.Object)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", doc.Source, err)
		}
		parts = append(parts, string(data))
	}
	return []byte(strings.Join(parts, "---\n")), nil
}
