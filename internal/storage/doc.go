// Package storage is the gateway to the document cache: conversion inputs,
// results, and forgotten-file recovery copies all live under one rooted
// prefix tree.
//
// Clients never receive raw paths. Download access goes through signed URLs
// whose digest covers the expiry and the resource path, so a leaked URL stops
// working once it expires and cannot be retargeted.
package storage
