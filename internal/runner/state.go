package runner

import (
	"realiser/internal/storepath"
	"sort"
	"sync"
)

// containerRepo tracks build containers that have not been removed yet.
type containerRepo struct {
	mu         sync.RWMutex
	containers map[string]storepath.Path // container ID -> recipe
}

func newContainerRepo() *containerRepo {
	return &containerRepo{
		containers: make(map[string]storepath.Path),
	}
}

func (r *containerRepo) add(containerID string, drv storepath.Path) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[containerID] = drv
}

// remove forgets a container. Returns the recipe it was building if it existed.
func (r *containerRepo) remove(containerID string) (storepath.Path, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	drv, exists := r.containers[containerID]
	if exists {
		delete(r.containers, containerID)
	}
	return drv, exists
}

func (r *containerRepo) has(containerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.containers[containerID]
	return exists
}

// ids returns all tracked container IDs in sorted order.
func (r *containerRepo) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.containers))
	for id := range r.containers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
