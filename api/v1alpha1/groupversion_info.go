// Package v1alpha1 contains the Workspace CRD internal/operator
// reconciles when HOMEROUTE_K8S_OPERATOR is set — the declarative
// alternative to internal/orchestrator's imperative deploy pipeline.
package v1alpha1

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/scheme"
)

var (
	GroupVersion  = schema.GroupVersion{Group: "homeroute.io", Version: "v1alpha1"}
	SchemeBuilder = &scheme.Builder{GroupVersion: GroupVersion}
	AddToScheme   = SchemeBuilder.AddToScheme
)

func init() {
	SchemeBuilder.Register(&Workspace{}, &WorkspaceList{})
}
