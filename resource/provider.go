/*
Package resource reads the Kubernetes context a user attaches to a prompt:
the YAML of the resource being viewed, its events and pod logs. It also
lists cluster objects for the development backend's tools.

Everything sits behind the Provider and Lister interfaces so the chat
engine never depends on a live cluster.
*/
package resource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"lightspeed/attachment"
)

// ErrNotFound is returned when the referenced object does not exist.
var ErrNotFound = errors.New("resource not found")

// Ref identifies one Kubernetes object. Container selects the log stream of
// a multi-container pod.
type Ref struct {
	Group     string `json:"group"`
	Version   string `json:"version"`
	Resource  string `json:"resource"`
	Kind      string `json:"kind"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	OwnerName string `json:"ownerName,omitempty"`
	Container string `json:"container,omitempty"`
}

// GVR returns the group/version/resource of the reference. A missing
// resource is guessed from the kind.
func (r Ref) GVR() schema.GroupVersionResource {
	version := r.Version
	if version == "" {
		version = "v1"
	}
	res := r.Resource
	if res == "" {
		res = strings.ToLower(r.Kind) + "s"
	}
	return schema.GroupVersionResource{Group: r.Group, Version: version, Resource: res}
}

// Validate checks that the reference can address an object.
func (r Ref) Validate() error {
	if r.Name == "" || (r.Kind == "" && r.Resource == "") {
		return fmt.Errorf("resource reference needs a name and a kind")
	}
	return nil
}

// Provider reads attachment content for a resource.
type Provider interface {
	Object(ctx context.Context, ref Ref) (map[string]any, error)
	Events(ctx context.Context, ref Ref) ([]attachment.Event, error)
	Logs(ctx context.Context, ref Ref, tailLines int64) (string, error)
}

// KubeProvider implements Provider and Lister with client-go.
type KubeProvider struct {
	clientset kubernetes.Interface
	dynamic   dynamic.Interface
	logger    *logrus.Entry
}

// NewKubeProvider connects to the cluster, trying the in-cluster
// configuration first and then kubeconfig (or ~/.kube/config when empty).
//
// Parameters:
//   - kubeconfig: Path to a kubeconfig file; may be empty
//   - logger: Logger for provider operations
//
// Returns:
//   - *KubeProvider: Provider bound to the cluster
//   - error: No usable configuration or client construction failure
func NewKubeProvider(kubeconfig string, logger *logrus.Logger) (*KubeProvider, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfig == "" {
			home, _ := os.UserHomeDir()
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig: %w", err)
		}
	}
	cs, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("create dynamic client: %w", err)
	}
	return NewKubeProviderForClients(cs, dyn, logger), nil
}

// NewKubeProviderForClients wraps existing clients.
func NewKubeProviderForClients(cs kubernetes.Interface, dyn dynamic.Interface, logger *logrus.Logger) *KubeProvider {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &KubeProvider{
		clientset: cs,
		dynamic:   dyn,
		logger:    logger.WithField("component", "kube_provider"),
	}
}

func wrapNotFound(err error, ref Ref) error {
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("%w: %s %s/%s", ErrNotFound, ref.Kind, ref.Namespace, ref.Name)
	}
	return err
}

// Object returns the object as unstructured content.
func (p *KubeProvider) Object(ctx context.Context, ref Ref) (map[string]any, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	var (
		gvr = ref.GVR()
		ri  dynamic.ResourceInterface
	)
	if ref.Namespace != "" {
		ri = p.dynamic.Resource(gvr).Namespace(ref.Namespace)
	} else {
		ri = p.dynamic.Resource(gvr)
	}
	obj, err := ri.Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		return nil, wrapNotFound(err, ref)
	}
	return obj.Object, nil
}

// Events returns the events whose involved object is ref, oldest first.
func (p *KubeProvider) Events(ctx context.Context, ref Ref) ([]attachment.Event, error) {
	selector := fields.Set{"involvedObject.name": ref.Name}
	if ref.Kind != "" {
		selector["involvedObject.kind"] = ref.Kind
	}
	list, err := p.clientset.CoreV1().Events(ref.Namespace).List(ctx, metav1.ListOptions{
		FieldSelector: selector.AsSelector().String(),
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	items := make([]corev1.Event, 0, len(list.Items))
	for _, ev := range list.Items {
		// Not every API server (or fake) honours the field selector.
		if ev.InvolvedObject.Name != ref.Name || (ref.Kind != "" && ev.InvolvedObject.Kind != ref.Kind) {
			continue
		}
		items = append(items, ev)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return eventTime(items[i]).Time.Before(eventTime(items[j]).Time)
	})

	out := make([]attachment.Event, 0, len(items))
	for _, ev := range items {
		ts := ""
		if t := eventTime(ev); !t.IsZero() {
			ts = t.UTC().Format("2006-01-02T15:04:05Z")
		}
		out = append(out, attachment.Event{
			Type:          ev.Type,
			Reason:        ev.Reason,
			Message:       ev.Message,
			Count:         ev.Count,
			LastTimestamp: ts,
		})
	}
	return out, nil
}

func eventTime(ev corev1.Event) metav1.Time {
	switch {
	case !ev.LastTimestamp.IsZero():
		return ev.LastTimestamp
	case !ev.EventTime.IsZero():
		return metav1.NewTime(ev.EventTime.Time)
	}
	return ev.FirstTimestamp
}

// Logs returns the last tailLines lines of a pod's container log.
func (p *KubeProvider) Logs(ctx context.Context, ref Ref, tailLines int64) (string, error) {
	opts := &corev1.PodLogOptions{Container: ref.Container}
	if tailLines > 0 {
		opts.TailLines = &tailLines
	}
	raw, err := p.clientset.CoreV1().Pods(ref.Namespace).GetLogs(ref.Name, opts).DoRaw(ctx)
	if err != nil {
		return "", wrapNotFound(fmt.Errorf("pod logs: %w", err), ref)
	}
	p.logger.WithFields(logrus.Fields{
		"pod":       ref.Name,
		"namespace": ref.Namespace,
		"container": ref.Container,
		"bytes":     len(raw),
	}).Debug("Fetched pod logs")
	return string(raw), nil
}
