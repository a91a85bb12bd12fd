package handler

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"credential-core/backend/internal/auth/service"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type signupRequest struct {
	Email                string `json:"email"`
	Password             string `json:"password"`
	FullName             string `json:"fullName"`
	Jurisdiction         string `json:"jurisdiction"`
	TermsVersionAccepted string `json:"termsVersionAccepted"`
	DeviceID             string `json:"deviceId"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	DeviceID string `json:"deviceId"`
}

func (r signupRequest) validate() (service.SignupInput, error) {
	in := service.SignupInput{
		Email:        strings.TrimSpace(r.Email),
		Password:     r.Password,
		FullName:     strings.TrimSpace(r.FullName),
		Jurisdiction: strings.TrimSpace(r.Jurisdiction),
		TermsVersion: strings.TrimSpace(r.TermsVersionAccepted),
		DeviceID:     strings.TrimSpace(r.DeviceID),
	}
	if err := checkEmail(in.Email); err != nil {
		return in, err
	}
	if err := checkPassword(in.Password); err != nil {
		return in, err
	}
	if in.FullName != "" {
		if err := checkLength("fullName", in.FullName, 2, 120); err != nil {
			return in, err
		}
	}
	if in.Jurisdiction != "" {
		if err := checkLength("jurisdiction", in.Jurisdiction, 2, 8); err != nil {
			return in, err
		}
	}
	if in.TermsVersion == "" {
		return in, &service.ValidationError{Field: "termsVersionAccepted", Message: "is required"}
	}
	if err := checkLength("termsVersionAccepted", in.TermsVersion, 1, 64); err != nil {
		return in, err
	}
	if err := checkLength("deviceId", in.DeviceID, 0, 100); err != nil {
		return in, err
	}
	return in, nil
}

func (r loginRequest) validate() (service.LoginInput, error) {
	in := service.LoginInput{
		Email:    strings.TrimSpace(r.Email),
		Password: r.Password,
		DeviceID: strings.TrimSpace(r.DeviceID),
	}
	if err := checkEmail(in.Email); err != nil {
		return in, err
	}
	if err := checkPassword(in.Password); err != nil {
		return in, err
	}
	if err := checkLength("deviceId", in.DeviceID, 0, 100); err != nil {
		return in, err
	}
	return in, nil
}

func checkEmail(email string) error {
	if email == "" {
		return &service.ValidationError{Field: "email", Message: "is required"}
	}
	if len(email) > 254 || !emailPattern.MatchString(email) {
		return &service.ValidationError{Field: "email", Message: "must be a valid email address"}
	}
	return nil
}

func checkPassword(password string) error {
	return checkLength("password", password, 8, 128)
}

func checkLength(field, v string, lo, hi int) error {
	n := utf8.RuneCountInString(v)
	switch {
	case n < lo && n == 0:
		return &service.ValidationError{Field: field, Message: "is required"}
	case n < lo:
		return &service.ValidationError{Field: field, Message: "is too short"}
	case n > hi:
		return &service.ValidationError{Field: field, Message: "is too long"}
	}
	return nil
}
