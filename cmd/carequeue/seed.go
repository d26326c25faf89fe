package main

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carequeue/carequeue/internal/config"
	"github.com/carequeue/carequeue/internal/domain/appointment"
	"github.com/carequeue/carequeue/internal/platform/db"
)

var specialties = []string{
	"General Practice",
	"Cardiology",
	"Dermatology",
	"Pediatrics",
	"Orthopedics",
	"Neurology",
	"ENT",
	"Emergency Medicine",
}

type seedDoctor struct {
	ID          uuid.UUID
	HospitalID  uuid.UUID
	DisplayName string
	Specialty   string
}

type roster struct {
	Doctors []seedDoctor
	Slots   []appointment.Slot
}

// buildRoster generates doctors spread over the given number of hospitals,
// each with a weekday morning slot and, for some, an afternoon slot.
func buildRoster(seed uint64, hospitals, doctorsPerHospital int) roster {
	f := gofakeit.New(seed)

	var r roster
	for h := 0; h < hospitals; h++ {
		hospitalID := uuid.New()
		for d := 0; d < doctorsPerHospital; d++ {
			doc := seedDoctor{
				ID:          uuid.New(),
				HospitalID:  hospitalID,
				DisplayName: "Dr. " + f.Name(),
				Specialty:   specialties[f.Number(0, len(specialties)-1)],
			}
			r.Doctors = append(r.Doctors, doc)

			afternoon := f.Number(0, 1) == 1
			for day := time.Monday; day <= time.Friday; day++ {
				r.Slots = append(r.Slots, appointment.Slot{
					DoctorID:    doc.ID,
					HospitalID:  hospitalID,
					DayOfWeek:   day,
					StartTime:   "09:00",
					EndTime:     "13:00",
					MaxPatients: f.Number(10, 30),
					Active:      true,
				})
				if afternoon {
					avg := f.Number(10, 20)
					r.Slots = append(r.Slots, appointment.Slot{
						DoctorID:               doc.ID,
						HospitalID:             hospitalID,
						DayOfWeek:              day,
						StartTime:              "14:00",
						EndTime:                "17:00",
						MaxPatients:            f.Number(5, 15),
						AvgConsultationMinutes: &avg,
						Active:                 true,
					})
				}
			}
		}
	}
	return r
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert fake doctors and slots for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			hospitals, _ := cmd.Flags().GetInt("hospitals")
			perHospital, _ := cmd.Flags().GetInt("doctors")
			seed, _ := cmd.Flags().GetUint64("seed")
			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			r := buildRoster(seed, hospitals, perHospital)
			slots := appointment.NewSlotRepoPG(pool)

			err = db.WithTx(ctx, pool, func(ctx context.Context) error {
				return insertRoster(ctx, slots, r, logger)
			})
			if err != nil {
				return fmt.Errorf("seed roster: %w", err)
			}

			for _, d := range r.Doctors {
				fmt.Printf("%s  %-8s  %-20s  %s\n", d.ID, d.HospitalID.String()[:8], d.Specialty, d.DisplayName)
			}
			return nil
		},
	}
	cmd.Flags().Int("hospitals", 2, "Number of hospitals")
	cmd.Flags().Int("doctors", 5, "Doctors per hospital")
	cmd.Flags().Uint64("seed", 0, "Random seed (0 uses the current time)")
	return cmd
}

func insertRoster(ctx context.Context, slots appointment.SlotRepository, r roster, logger zerolog.Logger) error {
	q := db.ConnFromContext(ctx)
	for _, d := range r.Doctors {
		_, err := q.Exec(ctx, `
			INSERT INTO doctors (id, hospital_id, display_name, specialty)
			VALUES ($1, $2, $3, $4)`,
			d.ID, d.HospitalID, d.DisplayName, d.Specialty)
		if err != nil {
			return fmt.Errorf("insert doctor %s: %w", d.ID, err)
		}
	}
	for i := range r.Slots {
		if err := slots.Create(ctx, &r.Slots[i]); err != nil {
			return fmt.Errorf("insert slot for doctor %s: %w", r.Slots[i].DoctorID, err)
		}
	}
	logger.Info().Int("doctors", len(r.Doctors)).Int("slots", len(r.Slots)).Msg("seeded roster")
	return nil
}
