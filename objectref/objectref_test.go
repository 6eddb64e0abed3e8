package objectref

import "testing"

func TestString(t *testing.T) {
	cases := []struct {
		name string
		ref  ObjectRef
		want string
	}{
		{
			name: "cluster-scoped no group",
			ref:  New("", "Node", "", "worker-1"),
			want: "Node:worker-1",
		},
		{
			name: "namespaced no group",
			ref:  New("", "Pod", "default", "nginx"),
			want: "Pod:default/nginx",
		},
		{
			name: "namespaced with group",
			ref:  New("apps", "Deployment", "kube-system", "coredns"),
			want: "apps/Deployment:kube-system/coredns",
		},
		{
			name: "cluster-scoped with group",
			ref:  New("rbac.authorization.k8s.io", "ClusterRole", "", "admin"),
			want: "rbac.authorization.k8s.io/ClusterRole:admin",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.ref.String(); got != c.want {
				t.Errorf("String() = %q, want %q", got, c.want)
			}
		})
	}
}

func TestIsNamespaced(t *testing.T) {
	if New("", "Pod", "default", "nginx").IsNamespaced() != true {
		t.Error("expected namespaced ref to report true")
	}
	if New("", "Node", "", "worker-1").IsNamespaced() != false {
		t.Error("expected cluster-scoped ref to report false")
	}
}

func TestEquality(t *testing.T) {
	a := New("apps", "Deployment", "default", "web")
	b := New("apps", "Deployment", "default", "web")
	c := New("apps", "Deployment", "default", "worker")

	if a != b {
		t.Error("expected identical refs to compare equal")
	}
	if a == c {
		t.Error("expected refs with different names to compare unequal")
	}

	m := map[ObjectRef]int{a: 1}
	m[b] = 2
	if len(m) != 1 {
		t.Errorf("expected equal refs to collide as the same map key, got %d entries", len(m))
	}
}
