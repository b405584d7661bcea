// Package maintenance contains the periodic reconciliation services: expiry
// of stuck active tasks, release of stale cursor locks, and retention-based
// deletion of events and archived tasks.
package maintenance

import (
	"context"
	"reflect"

	"github.com/pgtbus/tbus/internal/baseservice"
	"github.com/pgtbus/tbus/internal/startstop"
)

// Maintainer starts and stops the maintenance services as a unit.
//
// Its methods are not safe for concurrent use.
type Maintainer struct {
	baseservice.BaseService
	startstop.BaseStartStop

	servicesByName map[string]startstop.Service
}

func NewMaintainer(archetype *baseservice.Archetype, services []startstop.Service) *Maintainer {
	servicesByName := make(map[string]startstop.Service, len(services))
	for _, service := range services {
		servicesByName[reflect.TypeOf(service).Elem().Name()] = service
	}
	return baseservice.Init(archetype, &Maintainer{
		servicesByName: servicesByName,
	})
}

func (m *Maintainer) Start(ctx context.Context) error {
	ctx, shouldStart, started, stopped := m.StartInit(ctx)
	if !shouldStart {
		return nil
	}

	for _, service := range m.servicesByName {
		if err := service.Start(ctx); err != nil {
			stopped()
			return err
		}
	}

	go func() {
		started()
		defer stopped() // this defer should come first so it's last out

		<-ctx.Done()

		for _, service := range m.servicesByName {
			service.Stop()
		}
	}()

	return nil
}

// GetService returns a maintenance service by type. Test use only.
func GetService[T startstop.Service](maintainer *Maintainer) T {
	var kindPtr T
	return maintainer.servicesByName[reflect.TypeOf(kindPtr).Elem().Name()].(T) //nolint:forcetypeassert
}
