package services

import "remotelink/internal/core/domain"

type noopSessionMetrics struct{}

func (noopSessionMetrics) SessionCreated()       {}
func (noopSessionMetrics) SessionJoined()        {}
func (noopSessionMetrics) SessionEnded(string)   {}
func (noopSessionMetrics) SetActiveSessions(int) {}

type noopPeerMetrics struct{}

func (noopPeerMetrics) PhaseTransition(domain.Phase, domain.Phase) {}
func (noopPeerMetrics) ReconnectAttempt()                          {}
func (noopPeerMetrics) QualityTier(domain.QualityTier)             {}
func (noopPeerMetrics) InputForwarded(domain.InputKind)            {}
func (noopPeerMetrics) InputRejected(domain.InputKind)             {}
