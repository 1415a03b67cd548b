// Package k8s manages executor pods through the Kubernetes API.
package k8s

import (
	"context"
	"encoding/base64"
	"log/slog"
	"maps"
	"net"
	"slices"
	"time"

	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"jobctl/internal/apperrors"
)

// Labels set on every executor pod.
const (
	LabelManagedBy    = "app.kubernetes.io/managed-by"
	LabelJobID        = "jobctl.io/job-id"
	LabelExecutorName = "jobctl.io/executor-name"

	managedBy     = "jobctl"
	containerName = "executor"
	logVolumeName = "executor-log"
)

// PodStatus is the coarse state of an executor pod.
type PodStatus string

// Pod statuses
const (
	PodPending     PodStatus = "PENDING"
	PodRunning     PodStatus = "RUNNING"
	PodTerminated  PodStatus = "TERMINATED"
	PodTerminating PodStatus = "TERMINATING"
	PodUnknown     PodStatus = "UNKNOWN"
	PodAbsent      PodStatus = "ABSENT"
)

// Exists reports whether destroying a pod in this status still has work to do.
// A terminating pod is already on its way out.
func (s PodStatus) Exists() bool {
	return s != PodAbsent && s != PodTerminating
}

// Classify maps a pod to a PodStatus.
func Classify(pod *corev1.Pod) PodStatus {
	if pod == nil {
		return PodAbsent
	}
	if pod.DeletionTimestamp != nil {
		return PodTerminating
	}
	switch pod.Status.Phase {
	case corev1.PodPending:
		return PodPending
	case corev1.PodRunning:
		return PodRunning
	case corev1.PodSucceeded, corev1.PodFailed:
		return PodTerminated
	default:
		return PodUnknown
	}
}

// PodRequest describes one executor pod.
type PodRequest struct {
	Name         string
	Namespace    string
	JobID        string
	ExecutorName string // labels the pod; defaults to Name
	Env          map[string]string
}

// Client performs pod CRUD for executors.
type Client struct {
	clientset kubernetes.Interface
	pod       PodConfig
	logger    *slog.Logger
}

// NewClient creates a Client from a clientset and pod template.
func NewClient(clientset kubernetes.Interface, pod PodConfig) *Client {
	return &Client{
		clientset: clientset,
		pod:       pod,
		logger:    slog.With("component", "k8s-client"),
	}
}

// Create creates the pod. If a pod with the same name already exists it is
// returned unchanged.
func (c *Client) Create(ctx context.Context, req PodRequest) (*corev1.Pod, error) {
	pod, err := c.buildPod(req)
	if err != nil {
		return nil, err
	}

	created, err := c.clientset.CoreV1().Pods(req.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if k8serrors.IsAlreadyExists(err) {
		c.logger.Info("Pod already exists", "namespace", req.Namespace, "pod", req.Name)
		existing, gerr := c.clientset.CoreV1().Pods(req.Namespace).Get(ctx, req.Name, metav1.GetOptions{})
		if gerr != nil {
			return nil, apperrors.Internal("k8s.createPod", gerr)
		}
		return existing, nil
	}
	if err != nil {
		if k8serrors.IsInvalid(err) || k8serrors.IsForbidden(err) {
			return nil, apperrors.FatalCause("k8s.createPod", err)
		}
		return nil, apperrors.Internal("k8s.createPod", err)
	}

	c.logger.Info("Pod created", "namespace", req.Namespace, "pod", req.Name, "jobId", req.JobID)
	return created, nil
}

// Status returns the classified status of a pod. A missing pod is PodAbsent.
func (c *Client) Status(ctx context.Context, namespace, name string) (PodStatus, error) {
	pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return PodAbsent, nil
	}
	if err != nil {
		return PodUnknown, apperrors.Internal("k8s.getPod", err)
	}
	return Classify(pod), nil
}

// Delete deletes a pod. Deleting a missing pod succeeds.
func (c *Client) Delete(ctx context.Context, namespace, name string) error {
	opts := metav1.DeleteOptions{GracePeriodSeconds: c.pod.GracePeriodSeconds}
	err := c.clientset.CoreV1().Pods(namespace).Delete(ctx, name, opts)
	if err != nil && !k8serrors.IsNotFound(err) {
		return apperrors.Internal("k8s.deletePod", err)
	}
	c.logger.Info("Pod deleted", "namespace", namespace, "pod", name)
	return nil
}

// List returns the executor pods in namespace that are not being deleted.
func (c *Client) List(ctx context.Context, namespace string) ([]corev1.Pod, error) {
	list, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelManagedBy + "=" + managedBy,
	})
	if err != nil {
		return nil, apperrors.Internal("k8s.listPods", err)
	}
	pods := make([]corev1.Pod, 0, len(list.Items))
	for _, pod := range list.Items {
		if pod.DeletionTimestamp == nil {
			pods = append(pods, pod)
		}
	}
	return pods, nil
}

// Ping checks the API server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, err := c.clientset.Discovery().ServerVersion()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return apperrors.Unreachable("k8s.ping", err)
		}
		return nil
	case <-ctx.Done():
		return apperrors.Unreachable("k8s.ping", ctx.Err())
	}
}

func (c *Client) buildPod(req PodRequest) (*corev1.Pod, error) {
	resources, err := c.resources()
	if err != nil {
		return nil, err
	}

	labels := maps.Clone(c.pod.Labels)
	if labels == nil {
		labels = map[string]string{}
	}
	labels[LabelManagedBy] = managedBy
	labels[LabelJobID] = req.JobID
	labels[LabelExecutorName] = req.ExecutorName
	if req.ExecutorName == "" {
		labels[LabelExecutorName] = req.Name
	}

	keys := slices.Sorted(maps.Keys(req.Env))
	env := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: req.Env[k]})
	}

	container := corev1.Container{
		Name:            containerName,
		Image:           c.pod.Image,
		Command:         c.pod.Command,
		Args:            c.pod.Args,
		Env:             env,
		Resources:       resources,
		ImagePullPolicy: corev1.PullPolicy(c.pod.ImagePullPolicy),
	}

	spec := corev1.PodSpec{
		RestartPolicy:      corev1.RestartPolicy(c.pod.RestartPolicy),
		ServiceAccountName: c.pod.ServiceAccountName,
		NodeSelector:       c.pod.NodeSelector,
	}
	if c.pod.LogMountPath != "" {
		spec.Volumes = []corev1.Volume{{
			Name:         logVolumeName,
			VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
		}}
		container.VolumeMounts = []corev1.VolumeMount{{Name: logVolumeName, MountPath: c.pod.LogMountPath}}
	}
	spec.Containers = []corev1.Container{container}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      req.Name,
			Namespace: req.Namespace,
			Labels:    labels,
		},
		Spec: spec,
	}, nil
}

func (c *Client) resources() (corev1.ResourceRequirements, error) {
	var rr corev1.ResourceRequirements
	set := func(list *corev1.ResourceList, name corev1.ResourceName, value string) error {
		if value == "" {
			return nil
		}
		q, err := resource.ParseQuantity(value)
		if err != nil {
			return apperrors.FatalCause("k8s.resources", err)
		}
		if *list == nil {
			*list = corev1.ResourceList{}
		}
		(*list)[name] = q
		return nil
	}
	r := c.pod.Resources
	for _, s := range []struct {
		list  *corev1.ResourceList
		name  corev1.ResourceName
		value string
	}{
		{&rr.Requests, corev1.ResourceCPU, r.RequestCPU},
		{&rr.Requests, corev1.ResourceMemory, r.RequestMemory},
		{&rr.Limits, corev1.ResourceCPU, r.LimitCPU},
		{&rr.Limits, corev1.ResourceMemory, r.LimitMemory},
	} {
		if err := set(s.list, s.name, s.value); err != nil {
			return rr, err
		}
	}
	return rr, nil
}

// NewClientset builds a clientset from cfg. Reads never time out and idle
// connections are kept alive with a one-minute ping, since pod creation
// can be slow.
func NewClientset(cfg Config) (kubernetes.Interface, error) {
	var (
		rc  *rest.Config
		err error
	)
	switch {
	case cfg.KubeConfig != "":
		raw, derr := base64.StdEncoding.DecodeString(cfg.KubeConfig)
		if derr != nil {
			return nil, apperrors.FatalCause("k8s.clientset", derr)
		}
		rc, err = clientcmd.RESTConfigFromKubeConfig(raw)
	case cfg.KubeURL != "":
		rc = &rest.Config{Host: cfg.KubeURL}
	default:
		rc, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, apperrors.FatalCause("k8s.clientset", err)
	}

	rc.Timeout = 0
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: time.Minute}
	rc.Dial = dialer.DialContext

	cs, err := kubernetes.NewForConfig(rc)
	if err != nil {
		return nil, apperrors.FatalCause("k8s.clientset", err)
	}
	return cs, nil
}
