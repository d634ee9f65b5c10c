package library

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Picker chooses an index in [0, n). *rand.Rand from math/rand/v2 satisfies it.
type Picker interface {
	IntN(n int) int
}

// Instantiator binds library loads to one concretely chosen exemplar each
// time it is asked, picking uniformly among the load's exemplars.
type Instantiator struct {
	lib    Library
	picker Picker

	mutex     sync.Mutex
	loads     map[int64]Load
	exemplars map[int64][]Exemplar
}

// NewInstantiator creates an Instantiator drawing from lib with picker.
func NewInstantiator(lib Library, picker Picker) *Instantiator {
	return &Instantiator{
		lib:       lib,
		picker:    picker,
		loads:     make(map[int64]Load),
		exemplars: make(map[int64][]Exemplar),
	}
}

// Instantiate returns the load with a randomly chosen exemplar attached.
func (i *Instantiator) Instantiate(loadID int64) (Load, error) {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	load, ok := i.loads[loadID]
	if !ok {
		var err error
		if load, err = i.lib.GetLoad(loadID); err != nil {
			return Load{}, err
		}
		exemplars, err := i.lib.ListExemplars(loadID)
		if err != nil {
			return Load{}, err
		}
		if len(exemplars) == 0 {
			return Load{}, fmt.Errorf("load %d (%s) has no exemplars", loadID, load.Name)
		}
		i.loads[loadID] = load
		i.exemplars[loadID] = exemplars
		klog.V(3).InfoS("Cached library load", "loadID", loadID, "name", load.Name, "exemplars", len(exemplars))
	}

	candidates := i.exemplars[loadID]
	ex := candidates[0]
	if len(candidates) > 1 {
		ex = candidates[i.picker.IntN(len(candidates))]
	}
	load.Exemplar = &ex
	return load, nil
}

// ExemplarFunc returns the instantiate capability for one load.
func (i *Instantiator) ExemplarFunc(loadID int64) func() (Exemplar, error) {
	return func() (Exemplar, error) {
		load, err := i.Instantiate(loadID)
		if err != nil {
			return Exemplar{}, err
		}
		return *load.Exemplar, nil
	}
}

// ApplianceType looks up the appliance type of a load for metadata export.
func (i *Instantiator) ApplianceType(loadID int64) (string, error) {
	load, err := i.lib.GetLoad(loadID)
	if err != nil {
		return "", err
	}
	return load.ApplianceType, nil
}
