package resource

import (
	"context"
	"fmt"
	"sort"

	corev1 "k8s.io/api/core/v1"
	k8sresource "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// NamespaceSummary is a namespace and its phase.
type NamespaceSummary struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// WorkloadSummary is a controller and its replica readiness.
type WorkloadSummary struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Ready     int    `json:"ready"`
	Replicas  int    `json:"replicas"`
}

// PodSummary is a pod with its requested CPU and memory.
type PodSummary struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	CPU       string `json:"cpu"`
	Memory    string `json:"memory"`
	Status    string `json:"status"`
}

// Lister lists cluster objects for tools.
type Lister interface {
	Namespaces(ctx context.Context) ([]NamespaceSummary, error)
	Workloads(ctx context.Context, namespace string) ([]WorkloadSummary, error)
	Pods(ctx context.Context, namespace string) ([]PodSummary, error)
}

// Namespaces lists all namespaces sorted by name.
func (p *KubeProvider) Namespaces(ctx context.Context) ([]NamespaceSummary, error) {
	list, err := p.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	out := make([]NamespaceSummary, 0, len(list.Items))
	for _, ns := range list.Items {
		status := string(ns.Status.Phase)
		if status == "" {
			status = string(corev1.NamespaceActive)
		}
		out = append(out, NamespaceSummary{Name: ns.Name, Status: status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func replicas(n *int32) int {
	if n == nil {
		return 1
	}
	return int(*n)
}

// Workloads lists deployments, stateful sets and daemon sets of a namespace.
// An empty namespace lists all namespaces.
func (p *KubeProvider) Workloads(ctx context.Context, namespace string) ([]WorkloadSummary, error) {
	apps := p.clientset.AppsV1()
	var out []WorkloadSummary

	deployments, err := apps.Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	for _, d := range deployments.Items {
		out = append(out, WorkloadSummary{"Deployment", d.Name, d.Namespace, int(d.Status.ReadyReplicas), replicas(d.Spec.Replicas)})
	}

	statefulSets, err := apps.StatefulSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list statefulsets: %w", err)
	}
	for _, s := range statefulSets.Items {
		out = append(out, WorkloadSummary{"StatefulSet", s.Name, s.Namespace, int(s.Status.ReadyReplicas), replicas(s.Spec.Replicas)})
	}

	daemonSets, err := apps.DaemonSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list daemonsets: %w", err)
	}
	for _, ds := range daemonSets.Items {
		out = append(out, WorkloadSummary{"DaemonSet", ds.Name, ds.Namespace, int(ds.Status.NumberReady), int(ds.Status.DesiredNumberScheduled)})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Pods lists the pods of a namespace with the sum of their container
// requests.
func (p *KubeProvider) Pods(ctx context.Context, namespace string) ([]PodSummary, error) {
	list, err := p.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	out := make([]PodSummary, 0, len(list.Items))
	for _, pod := range list.Items {
		cpu := k8sresource.NewMilliQuantity(0, k8sresource.DecimalSI)
		mem := k8sresource.NewQuantity(0, k8sresource.BinarySI)
		for _, c := range pod.Spec.Containers {
			if q, ok := c.Resources.Requests[corev1.ResourceCPU]; ok {
				cpu.Add(q)
			}
			if q, ok := c.Resources.Requests[corev1.ResourceMemory]; ok {
				mem.Add(q)
			}
		}
		out = append(out, PodSummary{
			Name:      pod.Name,
			Namespace: pod.Namespace,
			CPU:       cpu.String(),
			Memory:    mem.String(),
			Status:    string(pod.Status.Phase),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
