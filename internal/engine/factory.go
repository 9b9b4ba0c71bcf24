package engine

import (
	"sort"
	"strings"
	"sync"

	"github.com/miradorstack/mirador-detect/internal/utils"
)

// OperatorConstructor returns a fresh operator for one node execution.
type OperatorConstructor func() Operator

// OperatorFactory maps plan node types to operator constructors.
type OperatorFactory struct {
	mu    sync.RWMutex
	ctors map[string]OperatorConstructor
}

// NewOperatorFactory returns an empty factory.
func NewOperatorFactory() *OperatorFactory {
	return &OperatorFactory{ctors: make(map[string]OperatorConstructor)}
}

// Register binds nodeType to ctor. A later registration for the same type wins.
func (f *OperatorFactory) Register(nodeType string, ctor OperatorConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[nodeType] = ctor
}

// Create instantiates an operator for nodeType.
func (f *OperatorFactory) Create(nodeType string) (Operator, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[nodeType]
	f.mu.RUnlock()
	if !ok {
		return nil, utils.NotFound("create operator", "operator type not registered: %s. available operators: %s",
			nodeType, strings.Join(f.Types(), ", "))
	}
	return ctor(), nil
}

// Types lists registered node types in sorted order.
func (f *OperatorFactory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	types := make([]string, 0, len(f.ctors))
	for t := range f.ctors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
