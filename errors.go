/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

var (
	errAlreadyInRoom    = errors.New("already in a room")
	errAlreadySubmitted = errors.New("prompt already submitted this round")
	errAlreadyVoted     = errors.New("vote already cast")
	errBadArtifact      = errors.New("no artifact at that index")
	errBadAvatar        = errors.New("avatar id out of range")
	errGameStarted      = errors.New("game already in progress")
	errNameLength       = errors.New("name must be 1-12 characters")
	errNameTaken        = errors.New("name already taken in this room")
	errNotEnoughPlayers = errors.New("not enough players to start")
	errNotHost          = errors.New("only the host can do that")
	errNotInRoom        = errors.New("not in a room")
	errNotSpy           = errors.New("only the spy can guess")
	errNotYourTurn      = errors.New("not your turn")
	errPromptLength     = errors.New("prompt must be 5-100 characters")
	errRoomFull         = errors.New("room is full")
	errRoomNotFound     = errors.New("room not found")
	errTooFast          = errors.New("too many messages, slow down")
	errUnknownEvent     = errors.New("unknown event type")
	errUnknownPlayer    = errors.New("no such player in this room")
	errWrongPhase       = errors.New("action not valid in current phase")
	errWrongRound       = errors.New("submission round does not match current round")
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(getFavicon())
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}
