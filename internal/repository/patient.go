package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrPatientNotFound = errors.New("patient not found")
	// ErrInvalidPatient is returned when a session names a patient the user
	// does not own.
	ErrInvalidPatient      = errors.New("invalid patient id")
	ErrInvalidPatientInput = errors.New("invalid patient")
)

type Patient struct {
	ID        string
	UserID    string
	Name      string
	Age       int
	Gender    string
	Number    string
	CreatedAt time.Time
}

type CreatePatientInput struct {
	Name   string
	Age    int
	Gender string
	Number string
}

func (in CreatePatientInput) Validate() error {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidPatientInput)
	case in.Age < 0:
		return fmt.Errorf("%w: age must not be negative", ErrInvalidPatientInput)
	case strings.TrimSpace(in.Gender) == "":
		return fmt.Errorf("%w: gender is required", ErrInvalidPatientInput)
	case strings.TrimSpace(in.Number) == "":
		return fmt.Errorf("%w: number is required", ErrInvalidPatientInput)
	}
	return nil
}

// PatientStore keeps the patients a user records sessions for. Patients of
// other users are reported as ErrPatientNotFound.
type PatientStore interface {
	CreatePatient(ctx context.Context, userID string, input CreatePatientInput) (*Patient, error)
	GetPatient(ctx context.Context, userID, patientID string) (*Patient, error)
	ListPatients(ctx context.Context, userID string) ([]Patient, error)
}
