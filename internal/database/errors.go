package database

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrNotMember        = errors.New("user is not a member")
	ErrAlreadyMember    = errors.New("user is already a member")
	ErrLastAdmin        = errors.New("room must keep at least one admin")
	ErrRoomNameTaken    = errors.New("room name is already taken")
	ErrDuplicateReceipt = errors.New("receipts already created for message")
)
