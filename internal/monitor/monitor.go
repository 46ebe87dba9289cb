package monitor

import (
	"log"
	"sync"
	"time"

	"github.com/yyrichy/easyboard/internal/room"
)

type Config struct {
	Interval          time.Duration
	RoomWarnThreshold int
}

func DefaultConfig() Config {
	return Config{
		Interval:          time.Minute,
		RoomWarnThreshold: 1000,
	}
}

// Service periodically samples the registry and warns when the room
// count crosses the soft threshold. There is no backpressure; the
// warning is the whole mechanism.
type Service struct {
	registry *room.Registry
	config   Config
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(registry *room.Registry, config Config) *Service {
	return &Service{
		registry: registry,
		config:   config,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("Monitor started (interval: %v, room warn threshold: %d)",
		s.config.Interval, s.config.RoomWarnThreshold)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	log.Println("Monitor stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Service) sample() {
	rooms := s.registry.RoomCount()
	conns := s.registry.ConnCount()
	log.Printf("Relay status: %d rooms, %d connections", rooms, conns)

	if rooms > s.config.RoomWarnThreshold {
		log.Printf("⚠️ Room count %d exceeds soft threshold %d", rooms, s.config.RoomWarnThreshold)
	}
}
