package filesystem

import (
	"os"
	"testing"

	storagedriver "github.com/dockyard/registry/registry/storage/driver"
	"github.com/dockyard/registry/registry/storage/driver/testsuites"
	"gopkg.in/check.v1"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { check.TestingT(t) }

func init() {
	root, err := os.MkdirTemp("", "driver-")
	if err != nil {
		panic(err)
	}

	testsuites.RegisterSuite(func() (storagedriver.StorageDriver, error) {
		return FromParameters(map[string]interface{}{
			"rootdirectory": root,
		})
	}, testsuites.NeverSkip)
}

func TestFromParametersImpl(t *testing.T) {
	tests := []struct {
		params map[string]interface{}
		pass   bool
	}{
		{params: map[string]interface{}{}, pass: true},
		{params: map[string]interface{}{"rootdirectory": "/tmp/registry"}, pass: true},
		{params: map[string]interface{}{"maxthreads": "fifty"}, pass: false},
		{params: map[string]interface{}{"maxthreads": 60}, pass: true},
		{params: map[string]interface{}{"maxthreads": "60"}, pass: true},
	}

	for _, item := range tests {
		d, err := FromParameters(item.params)
		if !item.pass {
			if err == nil {
				t.Fatalf("expected error for parameters %v", item.params)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for parameters %v: %v", item.params, err)
		}
		if d.Name() != driverName {
			t.Fatalf("unexpected driver name %q", d.Name())
		}
	}
}
