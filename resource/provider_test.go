package resource

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	k8sresource "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"

	"lightspeed/attachment"
)

func int32Ptr(n int32) *int32 { return &n }

func newFakeProvider(t *testing.T) *KubeProvider {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cs := fake.NewSimpleClientset(
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "shop"}, Status: corev1.NamespaceStatus{Phase: corev1.NamespaceActive}},
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "old"}, Status: corev1.NamespaceStatus{Phase: corev1.NamespaceTerminating}},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "web-1", Namespace: "shop"},
			Spec: corev1.PodSpec{Containers: []corev1.Container{
				{Name: "app", Resources: corev1.ResourceRequirements{Requests: corev1.ResourceList{
					corev1.ResourceCPU:    k8sresource.MustParse("100m"),
					corev1.ResourceMemory: k8sresource.MustParse("64Mi"),
				}}},
				{Name: "sidecar", Resources: corev1.ResourceRequirements{Requests: corev1.ResourceList{
					corev1.ResourceCPU: k8sresource.MustParse("150m"),
				}}},
			}},
			Status: corev1.PodStatus{Phase: corev1.PodRunning},
		},
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "shop"},
			Spec:       appsv1.DeploymentSpec{Replicas: int32Ptr(3)},
			Status:     appsv1.DeploymentStatus{ReadyReplicas: 2},
		},
		&appsv1.StatefulSet{
			ObjectMeta: metav1.ObjectMeta{Name: "db", Namespace: "shop"},
			Status:     appsv1.StatefulSetStatus{ReadyReplicas: 1},
		},
		&corev1.Event{
			ObjectMeta:     metav1.ObjectMeta{Name: "web-1.b", Namespace: "shop"},
			InvolvedObject: corev1.ObjectReference{Kind: "Pod", Name: "web-1"},
			Type:           "Warning", Reason: "BackOff", Message: "Back-off restarting", Count: 4,
			LastTimestamp: metav1.NewTime(now),
		},
		&corev1.Event{
			ObjectMeta:     metav1.ObjectMeta{Name: "web-1.a", Namespace: "shop"},
			InvolvedObject: corev1.ObjectReference{Kind: "Pod", Name: "web-1"},
			Type:           "Normal", Reason: "Pulled", Message: "Image pulled", Count: 1,
			LastTimestamp: metav1.NewTime(now.Add(-time.Minute)),
		},
		&corev1.Event{
			ObjectMeta:     metav1.ObjectMeta{Name: "other", Namespace: "shop"},
			InvolvedObject: corev1.ObjectReference{Kind: "Pod", Name: "db-0"},
			Type:           "Normal", Reason: "Scheduled",
		},
	)

	deployment := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]any{
			"name":          "web",
			"namespace":     "shop",
			"managedFields": []any{map[string]any{"manager": "kubectl"}},
		},
		"spec":   map[string]any{"replicas": int64(3)},
		"status": map[string]any{"readyReplicas": int64(2)},
	}}
	dyn := dynamicfake.NewSimpleDynamicClient(runtime.NewScheme(), deployment)

	logger, _ := test.NewNullLogger()
	return NewKubeProviderForClients(cs, dyn, logger)
}

var webDeployment = Ref{Group: "apps", Version: "v1", Resource: "deployments", Kind: "Deployment", Namespace: "shop", Name: "web"}

func TestObject(t *testing.T) {
	p := newFakeProvider(t)
	obj, err := p.Object(context.Background(), webDeployment)
	require.NoError(t, err)
	assert.Equal(t, "Deployment", obj["kind"])

	missing := webDeployment
	missing.Name = "gone"
	_, err = p.Object(context.Background(), missing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventsFilteredAndSorted(t *testing.T) {
	p := newFakeProvider(t)
	events, err := p.Events(context.Background(), Ref{Kind: "Pod", Namespace: "shop", Name: "web-1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "Pulled", events[0].Reason)
	assert.Equal(t, "BackOff", events[1].Reason)
	assert.EqualValues(t, 4, events[1].Count)
	assert.Equal(t, "2026-03-01T12:00:00Z", events[1].LastTimestamp)
}

func TestLogs(t *testing.T) {
	p := newFakeProvider(t)
	logs, err := p.Logs(context.Background(), Ref{Kind: "Pod", Namespace: "shop", Name: "web-1", Container: "app"}, 50)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestListers(t *testing.T) {
	p := newFakeProvider(t)
	ctx := context.Background()

	ns, err := p.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []NamespaceSummary{{Name: "old", Status: "Terminating"}, {Name: "shop", Status: "Active"}}, ns)

	wl, err := p.Workloads(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, []WorkloadSummary{
		{Kind: "StatefulSet", Name: "db", Namespace: "shop", Ready: 1, Replicas: 1},
		{Kind: "Deployment", Name: "web", Namespace: "shop", Ready: 2, Replicas: 3},
	}, wl)

	pods, err := p.Pods(ctx, "shop")
	require.NoError(t, err)
	require.Len(t, pods, 1)
	assert.Equal(t, "250m", pods[0].CPU)
	assert.Equal(t, "64Mi", pods[0].Memory)
	assert.Equal(t, "Running", pods[0].Status)
}

func TestAttach(t *testing.T) {
	p := newFakeProvider(t)
	store := attachment.NewStore(0)
	ctx := context.Background()

	id, err := Attach(ctx, p, store, attachment.TypeYAML, webDeployment, 0)
	require.NoError(t, err)
	a, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, "Deployment", a.Kind)
	assert.Contains(t, a.Value, "replicas: 3")
	assert.NotContains(t, a.Value, "managedFields")

	id, err = Attach(ctx, p, store, attachment.TypeYAMLFiltered, webDeployment, 0)
	require.NoError(t, err)
	a, _ = store.Get(id)
	assert.Contains(t, a.Value, "readyReplicas: 2")
	assert.NotContains(t, a.Value, "spec")

	_, err = Attach(ctx, p, store, attachment.TypeEvents, Ref{Kind: "Pod", Namespace: "shop", Name: "web-1"}, 0)
	require.NoError(t, err)
	_, err = Attach(ctx, p, store, attachment.TypeLog, Ref{Namespace: "shop", Name: "web-1", OwnerName: "web"}, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, store.Len())

	list := store.List()
	assert.Equal(t, attachment.TypeLog, list[3].AttachmentType)
	assert.Equal(t, "Pod", list[3].Kind)
	assert.Equal(t, "web", list[3].OwnerName)

	_, err = Attach(ctx, p, store, attachment.TypeYAMLUpload, webDeployment, 0)
	assert.Error(t, err)
}
