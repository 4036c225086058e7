package main

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthfirst/availability-scheduling/internal/availability"
	"github.com/healthfirst/availability-scheduling/internal/config"
	"github.com/healthfirst/availability-scheduling/internal/db"
	"github.com/healthfirst/availability-scheduling/internal/logging"
	redisclient "github.com/healthfirst/availability-scheduling/internal/redis"
)

var specializations = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

var timezones = []string{
	"America/New_York",
	"America/Chicago",
	"America/Denver",
	"America/Los_Angeles",
	"Europe/London",
	"Asia/Kolkata",
}

var appointmentTypes = []availability.AppointmentType{
	availability.AppointmentConsultation,
	availability.AppointmentFollowUp,
	availability.AppointmentTelemedicine,
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("dev", "info")
		bootLog.Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.Env, cfg.LogLevel).With().Str("cmd", "seed").Logger()
	log.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	rdb, err := redisclient.NewRedisClient(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	defer func() { _ = rdb.Close() }()

	if err := gofakeit.Seed(seedValue()); err != nil {
		log.Fatal().Err(err).Msg("seed faker")
	}

	repo := availability.NewPgRepository(pool)
	svc := availability.NewService(repo, redisclient.NewRedisProviderLocker(rdb, cfg.LockTTL), cfg, availability.WithLogger(log))

	providers, err := seedProviders(ctx, repo, envInt("SEED_PROVIDERS", 50), log)
	if err != nil {
		log.Fatal().Err(err).Msg("seed providers")
	}
	if err := seedAvailability(ctx, svc, providers, log); err != nil {
		log.Fatal().Err(err).Msg("seed availability")
	}

	log.Info().Msg("seed complete")
}

func seedProviders(ctx context.Context, repo *availability.PgRepository, count int, log zerolog.Logger) ([]uuid.UUID, error) {
	log.Info().Int("count", count).Msg("seeding providers")

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		rating := float64(gofakeit.Number(30, 50)) / 10
		p := availability.ProviderInfo{
			ID:                uuid.New(),
			Name:              "Dr. " + gofakeit.Name(),
			Specialization:    specializations[gofakeit.Number(0, len(specializations)-1)],
			YearsOfExperience: gofakeit.Number(1, 35),
			Rating:            &rating,
			ClinicAddress:     gofakeit.Street() + ", " + gofakeit.City(),
		}
		if err := repo.CreateProvider(ctx, p); err != nil {
			return nil, err
		}
		ids = append(ids, p.ID)
	}

	log.Info().Int("count", len(ids)).Msg("providers seeded")
	return ids, nil
}

// seedAvailability gives every provider a weekly morning block and a
// daily afternoon block starting tomorrow in a random zone.
func seedAvailability(ctx context.Context, svc *availability.Service, providers []uuid.UUID, log zerolog.Logger) error {
	start := civil.DateOf(time.Now()).AddDays(1)

	var slots int
	for i, providerID := range providers {
		tz := timezones[gofakeit.Number(0, len(timezones)-1)]
		pricing := &availability.Pricing{
			BaseFee:           float64(gofakeit.Number(8, 40) * 10),
			InsuranceAccepted: gofakeit.Bool(),
			Currency:          "USD",
		}

		blocks := []availability.RuleInput{
			{
				Date:            start,
				StartTime:       civil.Time{Hour: 9},
				EndTime:         civil.Time{Hour: 12},
				Timezone:        tz,
				Recurrence:      recurrence(availability.RecurrenceWeekly, start.AddDays(120)),
				SlotDuration:    30,
				BreakDuration:   gofakeit.RandomInt([]int{0, 5, 10, 15}),
				AppointmentType: appointmentTypes[gofakeit.Number(0, len(appointmentTypes)-1)],
				Location: availability.Location{
					Type:       availability.LocationClinic,
					Address:    gofakeit.Street() + ", " + gofakeit.City(),
					RoomNumber: "Room " + strconv.Itoa(gofakeit.Number(100, 499)),
				},
				Pricing: pricing,
			},
			{
				Date:            start,
				StartTime:       civil.Time{Hour: 14},
				EndTime:         civil.Time{Hour: 16},
				Timezone:        tz,
				Recurrence:      recurrence(availability.RecurrenceDaily, start.AddDays(30)),
				SlotDuration:    gofakeit.RandomInt([]int{20, 30, 45}),
				AppointmentType: availability.AppointmentTelemedicine,
				Location:        availability.Location{Type: availability.LocationTelemedicine},
				Pricing:         pricing,
			},
		}

		for _, in := range blocks {
			res, err := svc.CreateAvailability(ctx, providerID, in, availability.CreateOptions{OnConflict: availability.ConflictBlock})
			if err != nil {
				if errors.Is(err, availability.ErrProviderBusy) {
					log.Warn().Str("provider_id", providerID.String()).Msg("provider busy, skipping block")
					continue
				}
				return err
			}
			slots += res.SlotsCreated
		}

		if (i+1)%10 == 0 {
			log.Info().Int("providers", i+1).Int("slots", slots).Msg("availability seeded")
		}
	}

	log.Info().Int("slots", slots).Msg("availability seeded")
	return nil
}

func recurrence(kind availability.RecurrenceKind, end civil.Date) availability.Recurrence {
	return availability.Recurrence{Kind: kind, EndDate: &end}
}

// seedValue returns SEED_RANDOM when set so runs can be reproduced.
func seedValue() int64 {
	v, err := strconv.ParseInt(os.Getenv("SEED_RANDOM"), 10, 64)
	if err != nil || v == 0 {
		return time.Now().UnixNano()
	}
	return v
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return def
}
